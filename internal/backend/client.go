package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

// Device-side outcomes of backend calls. Expected races surface as
// sentinels so callers can branch without string matching.
var (
	ErrAlreadyAssigned   = errors.New("request already assigned")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("request not found")
	ErrOTPMismatch       = errors.New("otp mismatch")
)

// Client is the device's view of the dispatch backend. Every call is
// safe to retry on transport failure except Assign, which must be
// preceded by a fresh status check instead (the arbitrator owns that
// rule).
type Client interface {
	CreateRequest(ctx context.Context, p CreateParams) (*models.Request, string, error)
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	Assign(ctx context.Context, id, masterID string) (*models.Request, error)
	DeclineMaster(ctx context.Context, id, masterID string) error
	Cancel(ctx context.Context, id, cancelledBy, reason string) error
	MarkMissed(ctx context.Context, id string) error
	VerifyOTP(ctx context.Context, id, otp string) error
	StartRepair(ctx context.Context, id string) error
	CompleteRepair(ctx context.Context, id string) error
	Rate(ctx context.Context, rating models.Rating) error
	Heartbeat(ctx context.Context, hb models.Heartbeat) error
	RegisterProfile(ctx context.Context, p models.MasterProfile) error
}

type CreateParams struct {
	UserID      string             `json:"userId"`
	VehicleID   string             `json:"vehicleId"`
	ServiceType models.ServiceType `json:"serviceType"`
	Location    models.Location    `json:"location"`
}

// HTTPClient talks to the REST surface in internal/http.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPClient) CreateRequest(ctx context.Context, p CreateParams) (*models.Request, string, error) {
	var out struct {
		Request *models.Request `json:"request"`
		OTP     string          `json:"otp"`
	}
	if err := c.do(ctx, http.MethodPost, "/request", p, &out); err != nil {
		return nil, "", err
	}
	return out.Request, out.OTP, nil
}

func (c *HTTPClient) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	var out struct {
		Request *models.Request `json:"request"`
	}
	if err := c.do(ctx, http.MethodGet, "/request/"+id, nil, &out); err != nil {
		return nil, err
	}
	return out.Request, nil
}

func (c *HTTPClient) Assign(ctx context.Context, id, masterID string) (*models.Request, error) {
	var out struct {
		Request *models.Request `json:"request"`
	}
	body := map[string]string{"masterId": masterID}
	if err := c.do(ctx, http.MethodPatch, "/request/"+id+"/assign", body, &out); err != nil {
		return nil, err
	}
	return out.Request, nil
}

func (c *HTTPClient) DeclineMaster(ctx context.Context, id, masterID string) error {
	return c.do(ctx, http.MethodPatch, "/request/"+id+"/cancelled-master", map[string]string{"masterId": masterID}, nil)
}

func (c *HTTPClient) Cancel(ctx context.Context, id, cancelledBy, reason string) error {
	body := map[string]string{"cancelledBy": cancelledBy, "reason": reason}
	return c.do(ctx, http.MethodPatch, "/request/"+id+"/cancel-request", body, nil)
}

func (c *HTTPClient) MarkMissed(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/request/"+id+"/missed", struct{}{}, nil)
}

func (c *HTTPClient) VerifyOTP(ctx context.Context, id, otp string) error {
	return c.do(ctx, http.MethodPost, "/request/"+id+"/verify-otp", map[string]string{"otp": otp}, nil)
}

func (c *HTTPClient) StartRepair(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/request/"+id+"/start-repair", struct{}{}, nil)
}

func (c *HTTPClient) CompleteRepair(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/request/"+id+"/complete-repair", struct{}{}, nil)
}

func (c *HTTPClient) Rate(ctx context.Context, rating models.Rating) error {
	body := map[string]any{"role": rating.Role, "rating": rating.Rating, "feedback": rating.Feedback}
	return c.do(ctx, http.MethodPost, "/request/"+rating.RequestID+"/rate", body, nil)
}

func (c *HTTPClient) Heartbeat(ctx context.Context, hb models.Heartbeat) error {
	return c.do(ctx, http.MethodPost, "/internal/master/heartbeat", hb, nil)
}

func (c *HTTPClient) RegisterProfile(ctx context.Context, p models.MasterProfile) error {
	return c.do(ctx, http.MethodPost, "/internal/master/profile", p, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	switch resp.StatusCode {
	case http.StatusConflict:
		return ErrAlreadyAssigned
	case http.StatusUnprocessableEntity:
		return ErrInvalidTransition
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrValidation, body.Error)
	case http.StatusForbidden:
		return ErrOTPMismatch
	case http.StatusNotFound:
		return ErrNotFound
	}
	return fmt.Errorf("backend returned %d: %s", resp.StatusCode, body.Error)
}
