// Package types - callback contract between the engine and downstream writers
package types

// Callbacks is one registered consumer's set of event hooks. Any hook may be
// nil; the engine skips nil hooks during dispatch. All hooks run synchronously
// on the engine's event goroutine and must return quickly - long-running work
// belongs on the consumer's side of the boundary.
//
// Ownership: payloads passed to OnMetric, OnInDom, OnText and OnValues are
// only valid for the duration of the call; consumers copy what they keep.
// OnLabels is the exception: a nil return means the consumer has taken
// ownership of the label sets and is responsible for them from then on. If no
// registered consumer accepts them, the engine releases them after dispatch.
type Callbacks struct {
	// OnSource fires when a source is first identified, and again whenever
	// a context label change re-identifies it.
	OnSource func(Event) error

	// OnMetric fires once per metric descriptor with all of its names.
	OnMetric func(Event, Desc, []string) error

	// OnInDom fires with a fully reconstructed instance domain membership;
	// delta records are never passed through.
	OnInDom func(Event, InResult) error

	// OnLabels fires per label record. ident is a PMID or InDom encoding
	// depending on the kind bits. A nil return transfers ownership of sets
	// to the consumer.
	OnLabels func(event Event, kind int, ident uint32, sets []LabelSet) error

	// OnText fires per help text record. ident is a PMID or InDom encoding
	// depending on the kind bits.
	OnText func(event Event, kind int, ident uint32, text string) error

	// OnValues fires per value result record, mark records included.
	OnValues func(Event, *ValueResult) error

	// OnClosed fires exactly once when an archive is purged, after its
	// final OnValues.
	OnClosed func(Event) error
}
