package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tenantbill/tenantbill/internal/pkg/env"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com/v1"

// ProviderClient is the payment-provider surface the billing engine
// consumes. All calls carry the request context; the HTTP client
// enforces a timeout.
type ProviderClient interface {
	CreateCustomer(ctx context.Context, email, name string) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, providerSubscriptionID string) (*SubscriptionData, error)
	ListPrices(ctx context.Context) ([]Price, error)
}

// CheckoutSessionParams configures a hosted checkout session.
type CheckoutSessionParams struct {
	CustomerID        string
	PriceID           string
	TrialDays         int
	ClientReferenceID string
}

// CheckoutSession is the provider's redirect handle.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Price is one entry of the provider price catalog. PlanID and
// TrialDays come from the price metadata maintained in the provider
// dashboard.
type Price struct {
	ID        string
	PlanID    string
	Name      string
	Interval  string
	Amount    int64
	Currency  string
	TrialDays int
	Active    bool
}

// StripeClient talks to the provider REST API.
type StripeClient struct {
	SecretKey  string
	APIBaseURL string
	SuccessURL string
	CancelURL  string

	HTTPClient *http.Client
}

func NewStripeClientFromEnv() *StripeClient {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	successURL := strings.TrimSpace(env.GetEnv("STRIPE_SUCCESS_URL", ""))
	cancelURL := strings.TrimSpace(env.GetEnv("STRIPE_CANCEL_URL", ""))
	if successURL == "" && base != "" {
		successURL = base + "/billing/checkout/success"
	}
	if cancelURL == "" && base != "" {
		cancelURL = base + "/billing/checkout/canceled"
	}

	return &StripeClient{
		SecretKey:  strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		APIBaseURL: strings.TrimSpace(env.GetEnv("STRIPE_API_BASE_URL", defaultStripeAPIBaseURL)),
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *StripeClient) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	form := url.Values{}
	form.Set("email", strings.TrimSpace(email))
	form.Set("name", strings.TrimSpace(name))

	var out struct {
		ID string `json:"id"`
	}
	if err := c.postForm(ctx, "/customers", form, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("provider returned empty customer id")
	}
	return out.ID, nil
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	if strings.TrimSpace(params.CustomerID) == "" || strings.TrimSpace(params.PriceID) == "" {
		return nil, errors.New("customer id and price id are required")
	}

	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("customer", params.CustomerID)
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", "1")
	if params.TrialDays > 0 {
		form.Set("subscription_data[trial_period_days]", strconv.Itoa(params.TrialDays))
	}
	if params.ClientReferenceID != "" {
		form.Set("client_reference_id", params.ClientReferenceID)
	}
	if c.SuccessURL != "" {
		form.Set("success_url", c.SuccessURL)
	}
	if c.CancelURL != "" {
		form.Set("cancel_url", c.CancelURL)
	}

	var out CheckoutSession
	if err := c.postForm(ctx, "/checkout/sessions", form, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.New("provider returned empty checkout session id")
	}
	return &out, nil
}

func (c *StripeClient) RetrieveSubscription(ctx context.Context, providerSubscriptionID string) (*SubscriptionData, error) {
	id := strings.TrimSpace(providerSubscriptionID)
	if id == "" {
		return nil, errors.New("subscription id is required")
	}

	var out rawSubscription
	if err := c.get(ctx, "/subscriptions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.New("provider subscription response missing id")
	}
	return out.toData(), nil
}

func (c *StripeClient) ListPrices(ctx context.Context) ([]Price, error) {
	q := url.Values{}
	q.Set("limit", "100")
	q.Set("expand[]", "data.product")

	var out struct {
		Data []struct {
			ID         string `json:"id"`
			Active     bool   `json:"active"`
			Nickname   string `json:"nickname"`
			UnitAmount int64  `json:"unit_amount"`
			Currency   string `json:"currency"`
			Recurring  struct {
				Interval string `json:"interval"`
			} `json:"recurring"`
			Metadata map[string]string `json:"metadata"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/prices", q, &out); err != nil {
		return nil, err
	}

	prices := make([]Price, 0, len(out.Data))
	for _, p := range out.Data {
		price := Price{
			ID:       p.ID,
			PlanID:   strings.TrimSpace(p.Metadata["plan_id"]),
			Name:     p.Nickname,
			Interval: p.Recurring.Interval,
			Amount:   p.UnitAmount,
			Currency: p.Currency,
			Active:   p.Active,
		}
		if raw := strings.TrimSpace(p.Metadata["trial_days"]); raw != "" {
			if days, err := strconv.Atoi(raw); err == nil {
				price.TrialDays = days
			}
		}
		prices = append(prices, price)
	}
	return prices, nil
}

func (c *StripeClient) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.APIBaseURL, "/")+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *StripeClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := strings.TrimRight(c.APIBaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *StripeClient) do(req *http.Request, out interface{}) error {
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("STRIPE_SECRET_KEY is not configured")
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider request %s failed: status=%d body=%s", req.URL.Path, resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
