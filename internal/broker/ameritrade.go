// Package broker
package broker

import (
	"bytes"
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

	"github.com/amirphl/grid-trader/internal/utils"
)

// AmeritradeGateway talks to the TD Ameritrade REST API. Order IDs are
// returned in the Location header of place/replace responses; success
// codes are 201 for place/replace and 200 for cancel.
type AmeritradeGateway struct {
	baseURL string
	creds   Credentials
	client  *http.Client
}

const DefaultBaseURL = "https://api.tdameritrade.com"

func NewAmeritradeGateway(baseURL string, creds Credentials) *AmeritradeGateway {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &AmeritradeGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *AmeritradeGateway) Name() string { return "ameritrade" }

// retry wraps read-only calls with retry logic for transient errors, using
// exponential backoff and error logging. Mutating calls (place, replace,
// cancel) are never retried here: a timed-out place may still have reached
// the venue, and the coordinator reconciles that on the next cycle instead.
func retry(attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		utils.GetLogger().Printf("Broker | retry attempt %d/%d failed: %v. Backing off for %v", i, attempts, err, backoff)
		time.Sleep(backoff)
		if backoff < time.Minute {
			backoff *= 2
		}
	}
	return fmt.Errorf("all retry attempts failed: %w", err)
}

func (g *AmeritradeGateway) RefreshAccess(ctx context.Context) (Access, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {g.creds.RefreshToken},
		"client_id":     {g.creds.ClientID},
	}

	var reply struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}

	err := retry(3, 2*time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			g.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return g.doJSON(req, http.StatusOK, &reply)
	})
	if err != nil {
		return Access{}, fmt.Errorf("refresh access: %w", err)
	}
	if reply.AccessToken == "" {
		return Access{}, errors.New("refresh access: empty token in reply")
	}
	return Access{
		Token:  reply.AccessToken,
		Expiry: time.Now().Add(time.Duration(reply.ExpiresIn) * time.Second),
	}, nil
}

func (g *AmeritradeGateway) GetQuotes(ctx context.Context, token string, symbols []string) (map[string]Quote, error) {
	u := g.baseURL + "/v1/marketdata/quotes?symbol=" + url.QueryEscape(strings.Join(symbols, ","))

	var raw map[string]struct {
		BidPrice float64 `json:"bidPrice"`
		AskPrice float64 `json:"askPrice"`
	}

	err := retry(3, time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		g.authorize(req, token)
		return g.doJSON(req, http.StatusOK, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("get quotes: %w", err)
	}

	quotes := make(map[string]Quote, len(raw))
	for sym, q := range raw {
		quotes[sym] = Quote{Symbol: sym, Bid: q.BidPrice, Ask: q.AskPrice}
	}
	return quotes, nil
}

// orderPayload is the venue's order request shape. Orders are seamless
// session, good-till-cancel, single-leg equity limits.
type orderPayload struct {
	Session            string     `json:"session"`
	Duration           string     `json:"duration"`
	OrderType          string     `json:"orderType"`
	OrderStrategyType  string     `json:"orderStrategyType"`
	Price              string     `json:"price"`
	OrderLegCollection []orderLeg `json:"orderLegCollection"`
}

type orderLeg struct {
	Instruction string  `json:"instruction"`
	Quantity    float64 `json:"quantity"`
	Instrument  struct {
		Symbol    string `json:"symbol"`
		AssetType string `json:"assetType"`
	} `json:"instrument"`
}

func buildPayload(req OrderRequest) orderPayload {
	leg := orderLeg{Instruction: string(req.Side), Quantity: req.Quantity}
	leg.Instrument.Symbol = req.Symbol
	leg.Instrument.AssetType = "EQUITY"
	return orderPayload{
		Session:            "SEAMLESS",
		Duration:           "GOOD_TILL_CANCEL",
		OrderType:          "LIMIT",
		OrderStrategyType:  "SINGLE",
		Price:              strconv.FormatFloat(req.LimitPrice, 'f', -1, 64),
		OrderLegCollection: []orderLeg{leg},
	}
}

func (g *AmeritradeGateway) PlaceOrder(ctx context.Context, token string, req OrderRequest) (int64, error) {
	id, err := g.submit(ctx, token, http.MethodPost, g.ordersURL(), buildPayload(req))
	if err != nil {
		return 0, fmt.Errorf("place %s %s: %w", req.Side, req.Symbol, err)
	}
	return id, nil
}

func (g *AmeritradeGateway) ReplaceOrder(ctx context.Context, token string, orderID int64, req OrderRequest) (int64, error) {
	id, err := g.submit(ctx, token, http.MethodPut, g.orderURL(orderID), buildPayload(req))
	if err != nil {
		return 0, fmt.Errorf("replace order %d: %w", orderID, err)
	}
	return id, nil
}

func (g *AmeritradeGateway) submit(ctx context.Context, token, method, u string, payload orderPayload) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	g.authorize(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseOrderID(resp.Header.Get("Location"))
}

// parseOrderID pulls the numeric order ID off the Location header,
// e.g. .../accounts/123/orders/456.
func parseOrderID(location string) (int64, error) {
	_, after, found := strings.Cut(location, "orders/")
	if !found {
		return 0, fmt.Errorf("no order id in location %q", location)
	}
	id, err := strconv.ParseInt(after, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad order id in location %q: %w", location, err)
	}
	return id, nil
}

func (g *AmeritradeGateway) CancelOrder(ctx context.Context, token string, orderID int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.orderURL(orderID), nil)
	if err != nil {
		return err
	}
	g.authorize(req, token)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel order %d: unexpected status %d", orderID, resp.StatusCode)
	}
	return nil
}

// wireOrder is the venue's order JSON.
type wireOrder struct {
	OrderID        int64   `json:"orderId"`
	Status         string  `json:"status"`
	Price          float64 `json:"price"`
	Quantity       float64 `json:"quantity"`
	FilledQuantity float64 `json:"filledQuantity"`
	EnteredTime    string  `json:"enteredTime"`
	CloseTime      string  `json:"closeTime"`
	Legs           []struct {
		Instruction string `json:"instruction"`
		Instrument  struct {
			Symbol string `json:"symbol"`
		} `json:"instrument"`
	} `json:"orderLegCollection"`
}

func (w wireOrder) toOrder() Order {
	o := Order{
		ID:             w.OrderID,
		Status:         OrderStatus(w.Status),
		Price:          w.Price,
		Quantity:       w.Quantity,
		FilledQuantity: w.FilledQuantity,
	}
	if len(w.Legs) > 0 {
		o.Side = Side(w.Legs[0].Instruction)
		o.Symbol = w.Legs[0].Instrument.Symbol
	}
	o.EnteredTime = parseOrderTime(w.EnteredTime)
	o.CloseTime = parseOrderTime(w.CloseTime)
	return o
}

// The venue stamps orders like 2021-01-29T14:30:00+0000, which is not
// quite RFC 3339.
func parseOrderTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05Z0700", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (g *AmeritradeGateway) GetOrderStatus(ctx context.Context, token string, orderID int64) (Order, error) {
	var raw wireOrder
	err := retry(3, time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.orderURL(orderID), nil)
		if err != nil {
			return err
		}
		g.authorize(req, token)
		return g.doJSON(req, http.StatusOK, &raw)
	})
	if err != nil {
		return Order{}, fmt.Errorf("get order %d: %w", orderID, err)
	}
	return raw.toOrder(), nil
}

func (g *AmeritradeGateway) GetAccount(ctx context.Context, token string) ([]Position, []Order, error) {
	u := fmt.Sprintf("%s/v1/accounts/%s?fields=positions,orders", g.baseURL, g.creds.AccountID)

	var raw struct {
		SecuritiesAccount struct {
			Positions []struct {
				LongQuantity float64 `json:"longQuantity"`
				AveragePrice float64 `json:"averagePrice"`
				Instrument   struct {
					Symbol string `json:"symbol"`
				} `json:"instrument"`
			} `json:"positions"`
			OrderStrategies []wireOrder `json:"orderStrategies"`
		} `json:"securitiesAccount"`
	}

	err := retry(3, 2*time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		g.authorize(req, token)
		return g.doJSON(req, http.StatusOK, &raw)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("get account: %w", err)
	}

	positions := make([]Position, 0, len(raw.SecuritiesAccount.Positions))
	for _, p := range raw.SecuritiesAccount.Positions {
		positions = append(positions, Position{
			Symbol:       p.Instrument.Symbol,
			LongQuantity: p.LongQuantity,
			AveragePrice: p.AveragePrice,
		})
	}
	orders := make([]Order, 0, len(raw.SecuritiesAccount.OrderStrategies))
	for _, w := range raw.SecuritiesAccount.OrderStrategies {
		orders = append(orders, w.toOrder())
	}
	return positions, orders, nil
}

func (g *AmeritradeGateway) ordersURL() string {
	return fmt.Sprintf("%s/v1/accounts/%s/orders", g.baseURL, g.creds.AccountID)
}

func (g *AmeritradeGateway) orderURL(orderID int64) string {
	return fmt.Sprintf("%s/v1/accounts/%s/orders/%d", g.baseURL, g.creds.AccountID, orderID)
}

func (g *AmeritradeGateway) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

func (g *AmeritradeGateway) doJSON(req *http.Request, wantStatus int, out any) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
