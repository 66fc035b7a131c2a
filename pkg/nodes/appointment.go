package nodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/utils"
)

// Appointment branches
const (
	BranchBooked      = "booked"
	BranchUnavailable = "unavailable"
)

// Appointment defaults
const (
	DefaultMaxSlots            = 5
	DefaultAppointmentPrompt   = "Please choose a time:"
	DefaultNoSlotsMessage      = "Sorry, there are no free appointments right now."
	DefaultConfirmationMessage = "Your appointment is confirmed for {{appointment.label}}."
)

const stateSlotLabels = "labels"

// AppointmentHandler executes the appointment node type
type AppointmentHandler struct {
	service AppointmentService
}

// NewAppointmentHandler creates a handler booking through service
func NewAppointmentHandler(service AppointmentService) *AppointmentHandler {
	return &AppointmentHandler{service: service}
}

// Handle implements Handler
func (h *AppointmentHandler) Handle(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.AppointmentConfig](req.Node)
	if err != nil {
		return failed(err)
	}
	if h.service == nil {
		return failed(errors.New("no appointment service configured"))
	}

	if req.Reply != nil {
		return h.book(ctx, req, cfg)
	}

	limit := cfg.MaxSlots
	if limit <= 0 {
		limit = DefaultMaxSlots
	}
	slots, err := h.service.AvailableSlots(ctx, req.Execution.TenantID, cfg.ServiceID, limit)
	if err != nil {
		return Result{Outcome: Fail{Err: fmt.Errorf("failed to list slots: %w", err), Branch: flow.LabelError}}, nil
	}
	if len(slots) > limit {
		slots = slots[:limit]
	}
	if len(slots) == 0 {
		msg := cfg.NoSlotsMessage
		if msg == "" {
			msg = DefaultNoSlotsMessage
		}
		return Result{
			Outcome: Continue{Branch: BranchUnavailable},
			Intents: []models.Intent{req.Message(req.Render(msg))},
		}, nil
	}

	options := make([]models.InputOption, len(slots))
	labels := make(map[string]interface{}, len(slots))
	for i, s := range slots {
		label := s.Label
		if label == "" {
			label = s.Start.Format("Mon 02 Jan 15:04")
		}
		options[i] = models.InputOption{Value: s.ID, Label: label}
		labels[s.ID] = label
	}

	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultAppointmentPrompt
	}
	prompt = FormatOptions(req.Render(prompt), options)

	input := models.InputSpec{
		Kind:         models.InputOptions,
		Options:      options,
		Prompt:       prompt,
		MaxRetries:   maxRetries(cfg.MaxRetries),
		Reenter:      true,
		TimeoutClass: flow.TimeoutMenu,
		State:        map[string]interface{}{stateSlotLabels: labels},
	}
	return Result{
		Outcome: Suspend{Input: input},
		Intents: []models.Intent{req.Message(prompt)},
	}, nil
}

func (h *AppointmentHandler) book(ctx context.Context, req Request, cfg *flow.AppointmentConfig) (Result, error) {
	slotID := req.Reply.OptionValue
	if slotID == "" {
		slotID = req.Reply.Body
	}

	booking, err := h.service.Book(ctx, BookingRequest{
		TenantID:  req.Execution.TenantID,
		ServiceID: cfg.ServiceID,
		SlotID:    slotID,
		ContactID: req.Execution.ContactID,
	})
	if err != nil {
		return Result{Outcome: Fail{Err: fmt.Errorf("failed to book slot %s: %w", slotID, err), Branch: flow.LabelError}}, nil
	}

	labels, _ := req.State[stateSlotLabels].(map[string]interface{})
	label, _ := labels[slotID].(string)
	appointment := map[string]interface{}{
		"id":      booking.ID,
		"slot_id": booking.SlotID,
		"start":   booking.Start.Format(time.RFC3339),
		"label":   label,
	}

	var updates *models.Variables
	if cfg.ResultVariable != "" {
		updates = models.NewVariables(nil)
		updates.Set(cfg.ResultVariable, appointment)
	}

	msg := cfg.ConfirmationMessage
	if msg == "" {
		msg = DefaultConfirmationMessage
	}
	vars := req.Vars()
	vars["appointment"] = appointment

	return Result{
		Outcome: Continue{Branch: BranchBooked, Updates: updates},
		Intents: []models.Intent{req.Message(utils.MustProcessTemplate(msg, vars))},
	}, nil
}
