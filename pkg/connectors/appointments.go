package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tcmartin/convoflow/pkg/nodes"
	"github.com/tcmartin/convoflow/pkg/utils"
)

// HTTPAppointmentService lists and books slots on an external scheduling API.
//
//	GET  {base}/services/{service}/slots?tenant_id=&limit=  -> [{id,start,label}] or {"slots":[...]}
//	POST {base}/bookings {tenant_id,service_id,slot_id,contact_id} -> {id,slot_id,start}
type HTTPAppointmentService struct {
	client  *utils.HTTPClient
	baseURL string
	apiKey  string
	timeout time.Duration
}

// NewHTTPAppointmentService creates a scheduling client
func NewHTTPAppointmentService(baseURL, apiKey string, client *utils.HTTPClient) (*HTTPAppointmentService, error) {
	if baseURL == "" {
		return nil, errors.New("appointments URL is required")
	}
	if client == nil {
		client = utils.NewHTTPClient()
	}
	return &HTTPAppointmentService{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		timeout: 10 * time.Second,
	}, nil
}

func (s *HTTPAppointmentService) headers() map[string]string {
	if s.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + s.apiKey}
}

// AvailableSlots implements nodes.AppointmentService
func (s *HTTPAppointmentService) AvailableSlots(ctx context.Context, tenantID, serviceID string, limit int) ([]nodes.Slot, error) {
	query := map[string]string{"tenant_id": tenantID}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	resp, err := s.client.Do(ctx, &utils.HTTPRequest{
		URL:         s.baseURL + "/services/" + url.PathEscape(serviceID) + "/slots",
		Method:      "GET",
		Headers:     s.headers(),
		QueryParams: query,
		Timeout:     s.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to list slots: scheduling API answered %d", resp.StatusCode)
	}

	list := gjson.ParseBytes(resp.RawBody)
	if !list.IsArray() {
		list = list.Get("slots")
	}
	var slots []nodes.Slot
	list.ForEach(func(_, item gjson.Result) bool {
		slots = append(slots, nodes.Slot{
			ID:    item.Get("id").String(),
			Start: item.Get("start").Time(),
			Label: item.Get("label").String(),
		})
		return limit <= 0 || len(slots) < limit
	})
	return slots, nil
}

// Book implements nodes.AppointmentService
func (s *HTTPAppointmentService) Book(ctx context.Context, req nodes.BookingRequest) (nodes.Booking, error) {
	resp, err := s.client.Do(ctx, &utils.HTTPRequest{
		URL:     s.baseURL + "/bookings",
		Method:  "POST",
		Headers: s.headers(),
		Body: map[string]string{
			"tenant_id":  req.TenantID,
			"service_id": req.ServiceID,
			"slot_id":    req.SlotID,
			"contact_id": req.ContactID,
		},
		Timeout: s.timeout,
	})
	if err != nil {
		return nodes.Booking{}, fmt.Errorf("failed to book slot %s: %w", req.SlotID, err)
	}
	if !resp.IsSuccess() {
		return nodes.Booking{}, fmt.Errorf("failed to book slot %s: scheduling API answered %d", req.SlotID, resp.StatusCode)
	}

	doc := gjson.ParseBytes(resp.RawBody)
	booking := nodes.Booking{
		ID:     doc.Get("id").String(),
		SlotID: doc.Get("slot_id").String(),
		Start:  doc.Get("start").Time(),
	}
	if booking.SlotID == "" {
		booking.SlotID = req.SlotID
	}
	if booking.ID == "" {
		return nodes.Booking{}, errors.New("scheduling API returned a booking without id")
	}
	return booking, nil
}
