// Package session implements the authentication state machine of one client.
package session

// Kind discriminates State variants.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindLoading         Kind = "loading"
	KindAuthenticated   Kind = "authenticated"
	KindFailed          Kind = "error"
)

// State is exactly one of Unauthenticated, Loading, Authenticated or Failed.
// The set is closed: consumers switch on it through Visitor, which has one
// method per variant, so a new variant fails to compile everywhere it is used.
type State interface {
	Kind() Kind
	Accept(v Visitor)
	sealed()
}

// Visitor handles each State variant.
type Visitor interface {
	VisitUnauthenticated(Unauthenticated)
	VisitLoading(Loading)
	VisitAuthenticated(Authenticated)
	VisitFailed(Failed)
}

// Unauthenticated is the initial state.
type Unauthenticated struct{}

// Loading means an identity operation is in flight.
type Loading struct{}

// Authenticated means the identity provider reports a current identity.
type Authenticated struct{}

// Failed carries the message of the last failed operation.
type Failed struct {
	Message string
}

func (Unauthenticated) Kind() Kind { return KindUnauthenticated }
func (Loading) Kind() Kind         { return KindLoading }
func (Authenticated) Kind() Kind   { return KindAuthenticated }
func (Failed) Kind() Kind          { return KindFailed }

func (s Unauthenticated) Accept(v Visitor) { v.VisitUnauthenticated(s) }
func (s Loading) Accept(v Visitor)         { v.VisitLoading(s) }
func (s Authenticated) Accept(v Visitor)   { v.VisitAuthenticated(s) }
func (s Failed) Accept(v Visitor)          { v.VisitFailed(s) }

func (Unauthenticated) sealed() {}
func (Loading) sealed()         {}
func (Authenticated) sealed()   {}
func (Failed) sealed()          {}

// View is the wire form of a State.
type View struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message,omitempty"`
}

type viewBuilder struct{ out View }

func (b *viewBuilder) VisitUnauthenticated(s Unauthenticated) { b.out = View{Kind: s.Kind()} }
func (b *viewBuilder) VisitLoading(s Loading)                 { b.out = View{Kind: s.Kind()} }
func (b *viewBuilder) VisitAuthenticated(s Authenticated)     { b.out = View{Kind: s.Kind()} }
func (b *viewBuilder) VisitFailed(s Failed)                   { b.out = View{Kind: s.Kind(), Message: s.Message} }

// ViewOf encodes s for transport.
func ViewOf(s State) View {
	var b viewBuilder
	s.Accept(&b)
	return b.out
}
