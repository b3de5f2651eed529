package luma

// Event is a single calendar event as returned by the Luma API.
type Event struct {
	APIID          string          `json:"api_id"`
	Name           string          `json:"name"`
	StartAt        string          `json:"start_at"`
	EndAt          string          `json:"end_at"`
	Timezone       string          `json:"timezone"`
	URL            string          `json:"url"`
	LocationType   string          `json:"location_type"`
	GeoAddressInfo *GeoAddressInfo `json:"geo_address_info"`
	Description    string          `json:"description,omitempty"`
}

type GeoAddressInfo struct {
	Address string `json:"address"`
}

type TicketType struct {
	APIID    string  `json:"api_id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Cents    *int64  `json:"cents"`
	Currency *string `json:"currency"`
}

type Host struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

type TicketInfo struct {
	IsFree         bool    `json:"is_free"`
	Price          *string `json:"price"`
	SpotsRemaining *int64  `json:"spots_remaining"`
}

// Entry pairs an event with its calendar-level presentation data.
type Entry struct {
	Event      Event      `json:"event"`
	Hosts      []Host     `json:"hosts"`
	GuestCount int        `json:"guest_count"`
	TicketInfo TicketInfo `json:"ticket_info"`
}

// CalendarResponse is the payload of calendar/get-items.
type CalendarResponse struct {
	Entries []Entry `json:"entries"`
}

// EventDetail is the payload of event/get; only the ticket types are used.
type EventDetail struct {
	Event struct {
		APIID            string       `json:"api_id"`
		Name             string       `json:"name"`
		EventTicketTypes []TicketType `json:"event_ticket_types"`
	} `json:"event"`
}

type ticketSelection struct {
	Count  int   `json:"count"`
	Amount int64 `json:"amount"`
}

type openedFrom struct {
	Source        string `json:"source"`
	CalendarAPIID string `json:"calendar_api_id"`
}

// registerRequest is the body POSTed to event/register. The Luma endpoint
// expects every field present, nulls included, so nothing is omitempty.
type registerRequest struct {
	Name                   string                     `json:"name"`
	FirstName              string                     `json:"first_name"`
	LastName               string                     `json:"last_name"`
	Email                  string                     `json:"email"`
	EventAPIID             string                     `json:"event_api_id"`
	ForWaitlist            bool                       `json:"for_waitlist"`
	PaymentMethod          any                        `json:"payment_method"`
	PaymentCurrency        any                        `json:"payment_currency"`
	RegistrationAnswers    []any                      `json:"registration_answers"`
	CouponCode             any                        `json:"coupon_code"`
	Timezone               string                     `json:"timezone"`
	TokenGateInfo          any                        `json:"token_gate_info"`
	EthAddressInfo         any                        `json:"eth_address_info"`
	PhoneNumber            string                     `json:"phone_number"`
	SolanaAddressInfo      any                        `json:"solana_address_info"`
	ExpectedAmountCents    int64                      `json:"expected_amount_cents"`
	ExpectedAmountDiscount int64                      `json:"expected_amount_discount"`
	ExpectedAmountTax      int64                      `json:"expected_amount_tax"`
	Currency               any                        `json:"currency"`
	EventInviteAPIID       any                        `json:"event_invite_api_id"`
	TicketTypeToSelection  map[string]ticketSelection `json:"ticket_type_to_selection"`
	SolanaAddress          any                        `json:"solana_address"`
	OpenedFrom             openedFrom                 `json:"opened_from"`
}

// RegistrationResponse is the payload returned by event/register.
type RegistrationResponse struct {
	ApprovalStatus string `json:"approval_status"`
	EventTickets   []struct {
		APIID                string     `json:"api_id"`
		EventTicketTypeAPIID string     `json:"event_ticket_type_api_id"`
		EventTicketTypeInfo  TicketType `json:"event_ticket_type_info"`
	} `json:"event_tickets"`
	Email         string  `json:"email"`
	Cents         int64   `json:"cents"`
	Currency      *string `json:"currency"`
	EmailVerified bool    `json:"email_verified"`
	RSVPAPIID     string  `json:"rsvp_api_id"`
	Status        string  `json:"status"`
	TicketKey     string  `json:"ticket_key"`
	UserAPIID     string  `json:"user_api_id"`
}
