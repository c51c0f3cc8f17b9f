// Package chat implements the conversation controller: one user's transcript,
// the outcome of the last model request and a busy flag.
package chat

// Kind discriminates RequestState variants.
type Kind string

const (
	KindIdle    Kind = "idle"
	KindLoading Kind = "loading"
	KindSuccess Kind = "success"
	KindFailed  Kind = "error"
)

// RequestState is exactly one of Idle, Loading, Success or Failed.
type RequestState interface {
	Kind() Kind
	Accept(v Visitor)
	sealed()
}

// Visitor handles each RequestState variant.
type Visitor interface {
	VisitIdle(Idle)
	VisitLoading(Loading)
	VisitSuccess(Success)
	VisitFailed(Failed)
}

// Idle is the initial and cleared state.
type Idle struct{}

// Loading means a model request is in flight.
type Loading struct{}

// Success carries the text of the last reply.
type Success struct {
	Text string
}

// Failed carries the message of the last failed request.
type Failed struct {
	Message string
}

func (Idle) Kind() Kind    { return KindIdle }
func (Loading) Kind() Kind { return KindLoading }
func (Success) Kind() Kind { return KindSuccess }
func (Failed) Kind() Kind  { return KindFailed }

func (s Idle) Accept(v Visitor)    { v.VisitIdle(s) }
func (s Loading) Accept(v Visitor) { v.VisitLoading(s) }
func (s Success) Accept(v Visitor) { v.VisitSuccess(s) }
func (s Failed) Accept(v Visitor)  { v.VisitFailed(s) }

func (Idle) sealed()    {}
func (Loading) sealed() {}
func (Success) sealed() {}
func (Failed) sealed()  {}

// RequestView is the wire form of a RequestState.
type RequestView struct {
	Kind    Kind   `json:"kind"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

type viewBuilder struct{ out RequestView }

func (b *viewBuilder) VisitIdle(s Idle)       { b.out = RequestView{Kind: s.Kind()} }
func (b *viewBuilder) VisitLoading(s Loading) { b.out = RequestView{Kind: s.Kind()} }
func (b *viewBuilder) VisitSuccess(s Success) { b.out = RequestView{Kind: s.Kind(), Text: s.Text} }
func (b *viewBuilder) VisitFailed(s Failed)   { b.out = RequestView{Kind: s.Kind(), Message: s.Message} }

// ViewOf encodes s for transport.
func ViewOf(s RequestState) RequestView {
	var b viewBuilder
	s.Accept(&b)
	return b.out
}
