package catalog

import "github.com/pitabwire/rfiflow/model"

// Default returns the standard RFI catalog.
func Default() *Catalog {
	c, err := New(defaultStatuses(), defaultStages())
	if err != nil {
		panic(err)
	}
	return c
}

func defaultStatuses() []Metadata {
	return []Metadata{
		{Value: string(model.StatusDraft), Label: "Draft", Description: "Being written; not yet visible to the recipient.", Color: "gray"},
		{Value: string(model.StatusActive), Label: "Active", Description: "Open and being prepared for sending.", Color: "blue"},
		{Value: string(model.StatusSent), Label: "Sent", Description: "Sent to the recipient and awaiting a response.", Color: "indigo"},
		{Value: string(model.StatusResponded), Label: "Responded", Description: "A response has been received.", Color: "teal"},
		{Value: string(model.StatusClosed), Label: "Closed", Description: "Resolved and closed out.", Color: "green"},
		{Value: string(model.StatusOverdue), Label: "Overdue", Description: "The due date passed without a response.", Color: "red"},
		{Value: string(model.StatusVoided), Label: "Voided", Description: "Cancelled; kept for the record only.", Color: "slate"},
		{Value: string(model.StatusRevised), Label: "Revised", Description: "Reworked after a response or rejection.", Color: "amber"},
		{Value: string(model.StatusReturned), Label: "Returned", Description: "Returned to the originator for more information.", Color: "orange"},
		{Value: string(model.StatusRejected), Label: "Rejected", Description: "Rejected by the recipient.", Color: "rose"},
		{Value: string(model.StatusSuperseded), Label: "Superseded", Description: "Replaced by a newer RFI.", Color: "zinc"},
	}
}

func defaultStages() []StageMetadata {
	return []StageMetadata{
		{
			Metadata: Metadata{Value: string(model.StageAwaitingResponse), Label: "Awaiting Response",
				Description: "Waiting on the design team's answer.", Color: "indigo"},
			Statuses: []model.Status{model.StatusSent, model.StatusOverdue},
		},
		{
			Metadata: Metadata{Value: string(model.StageFieldWorkInProgress), Label: "Field Work In Progress",
				Description: "Site work is proceeding while the RFI is open.", Color: "cyan"},
			Statuses: []model.Status{model.StatusActive, model.StatusSent, model.StatusResponded, model.StatusOverdue},
		},
		{
			Metadata: Metadata{Value: string(model.StageUnderReview), Label: "Under Review",
				Description: "The response is being reviewed internally.", Color: "violet"},
			Statuses: []model.Status{model.StatusResponded, model.StatusRevised},
		},
		{
			Metadata: Metadata{Value: string(model.StageAwaitingClarification), Label: "Awaiting Clarification",
				Description: "The originator has asked for clarification.", Color: "yellow"},
			Statuses: []model.Status{model.StatusReturned, model.StatusRejected},
		},
	}
}
