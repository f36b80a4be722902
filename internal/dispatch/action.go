// Package dispatch turns a closed turn into one outward Action: direct
// commands are answered locally, everything else goes through the
// conversation backend.
package dispatch

// Action names the backend may return in its "action" field.
const (
	ActionReply               = "reply"
	ActionOfferMentorship     = "offer_mentorship"
	ActionScheduleRequest     = "schedule_request"
	ActionDocumentationSearch = "documentation_search"
)

// Action is the outcome of processing one turn. The set of implementations
// is closed: Reply, OfferPackage, ScheduleRequest, DocumentationSearch.
type Action interface {
	// ReplyText is the HTML text shown to the user.
	ReplyText() string
	// Name is the wire name of the action.
	Name() string
	action()
}

// Reply is a plain answer. PreferVoice is set when the turn contained
// speech, so a long enough answer may be delivered as a voice note.
type Reply struct {
	Text        string
	PreferVoice bool
}

// OfferPackage is an answer followed by an invoice for a mentorship package
// when both CTA and Price are present. Price is in major currency units.
type OfferPackage struct {
	Text  string
	CTA   string
	Price int64
}

// MaxPrice caps an offered price in major units. Larger values are treated
// as no price, which keeps Price*100 far from overflow.
const MaxPrice = 10_000_000

// HasInvoice reports whether an invoice should follow the text.
func (o OfferPackage) HasInvoice() bool { return o.CTA != "" && o.Price > 0 && o.Price <= MaxPrice }

type ScheduleRequest struct {
	Text string
	Info string
}

type DocumentationSearch struct {
	Text string
}

func (r Reply) ReplyText() string               { return r.Text }
func (r Reply) Name() string                    { return ActionReply }
func (Reply) action()                           {}
func (o OfferPackage) ReplyText() string        { return o.Text }
func (o OfferPackage) Name() string             { return ActionOfferMentorship }
func (OfferPackage) action()                    {}
func (s ScheduleRequest) ReplyText() string     { return s.Text }
func (s ScheduleRequest) Name() string          { return ActionScheduleRequest }
func (ScheduleRequest) action()                 {}
func (d DocumentationSearch) ReplyText() string { return d.Text }
func (d DocumentationSearch) Name() string      { return ActionDocumentationSearch }
func (DocumentationSearch) action()             {}
