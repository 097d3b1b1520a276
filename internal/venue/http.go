package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// httpClient implements InfoClient and ExchangeClient over the venue's
// POST-JSON /info and /exchange endpoints.
type httpClient struct {
	infoURL     string
	exchangeURL string
	hc          *http.Client
	signer      Signer
}

// NewHTTPClient builds a venue client bound to the given endpoints. signer
// may be nil for InfoClient-only use (e.g. replay/report tooling).
func NewHTTPClient(infoURL, exchangeURL string, timeout time.Duration, signer Signer) (InfoClient, ExchangeClient) {
	c := &httpClient{
		infoURL:     infoURL,
		exchangeURL: exchangeURL,
		hc:          &http.Client{Timeout: timeout},
		signer:      signer,
	}
	return c, c
}

func (c *httpClient) post(ctx context.Context, url string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("venue http call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("venue http call: status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *httpClient) Meta(ctx context.Context) ([]AssetMeta, error) {
	var out struct {
		Universe []struct {
			Name       string `json:"name"`
			SzDecimals int    `json:"szDecimals"`
		} `json:"universe"`
	}
	if err := c.post(ctx, c.infoURL, map[string]string{"type": "meta"}, &out); err != nil {
		return nil, err
	}
	metas := make([]AssetMeta, 0, len(out.Universe))
	for i, u := range out.Universe {
		metas = append(metas, AssetMeta{
			Coin:          u.Name,
			AssetIndex:    i,
			SzDecimals:    u.SzDecimals,
			PriceDecimals: 6 - u.SzDecimals,
			PriceSigFigs:  5,
		})
	}
	return metas, nil
}

func (c *httpClient) CandleSnapshot(ctx context.Context, coin, interval string, start, end time.Time) ([]Candle, error) {
	req := map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      coin,
			"interval":  interval,
			"startTime": start.UnixMilli(),
			"endTime":   end.UnixMilli(),
		},
	}
	var raw []struct {
		T int64   `json:"t"`
		O float64 `json:"o,string"`
		H float64 `json:"h,string"`
		L float64 `json:"l,string"`
		C float64 `json:"c,string"`
		V float64 `json:"v,string"`
	}
	if err := c.post(ctx, c.infoURL, req, &raw); err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(raw))
	for _, r := range raw {
		candles = append(candles, Candle{
			Coin: coin, Interval: interval,
			OpenTime: time.UnixMilli(r.T),
			Open:     r.O, High: r.H, Low: r.L, Close: r.C, Volume: r.V,
		})
	}
	return candles, nil
}

func (c *httpClient) UserState(ctx context.Context, address string) (UserState, error) {
	var out struct {
		MarginSummary struct {
			AccountValue float64 `json:"accountValue,string"`
		} `json:"marginSummary"`
		AssetPositions []struct {
			Position struct {
				Coin    string  `json:"coin"`
				Szi     float64 `json:"szi,string"`
				EntryPx float64 `json:"entryPx,string"`
			} `json:"position"`
		} `json:"assetPositions"`
	}
	req := map[string]string{"type": "clearinghouseState", "user": address}
	if err := c.post(ctx, c.infoURL, req, &out); err != nil {
		return UserState{}, err
	}
	us := UserState{AccountValue: out.MarginSummary.AccountValue, FetchedAt: time.Now()}
	for _, ap := range out.AssetPositions {
		us.Positions = append(us.Positions, Position{
			Coin: ap.Position.Coin, Size: ap.Position.Szi, EntryPx: ap.Position.EntryPx,
		})
	}
	return us, nil
}

func (c *httpClient) OpenOrders(ctx context.Context, address string) ([]OpenOrder, error) {
	var out []OpenOrder
	req := map[string]string{"type": "openOrders", "user": address}
	if err := c.post(ctx, c.infoURL, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *httpClient) UserFillsByTime(ctx context.Context, address string, start time.Time) ([]Fill, error) {
	var out []Fill
	req := map[string]any{"type": "userFillsByTime", "user": address, "startTime": start.UnixMilli()}
	if err := c.post(ctx, c.infoURL, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *httpClient) RateLimitStatus(ctx context.Context, address string) (QuotaStatus, error) {
	var out struct {
		NRequestsUsed int `json:"nRequestsUsed"`
		NRequestsCap  int `json:"nRequestsCap"`
	}
	req := map[string]string{"type": "userRateLimit", "user": address}
	if err := c.post(ctx, c.infoURL, req, &out); err != nil {
		return QuotaStatus{}, err
	}
	remaining := out.NRequestsCap - out.NRequestsUsed
	ratio := 1.0
	if out.NRequestsCap > 0 {
		ratio = float64(remaining) / float64(out.NRequestsCap)
	}
	return QuotaStatus{Remaining: remaining, Cap: out.NRequestsCap, RemainingRatio: ratio, Source: "venue"}, nil
}

func (c *httpClient) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	action := map[string]any{
		"type":     "order",
		"grouping": req.Grouping,
		"orders": []map[string]any{{
			"a": req.Coin, "b": req.IsBuy, "p": req.LimitPx, "s": req.Sz,
			"r": req.ReduceOnly, "t": tifPayload(req), "c": req.Cloid,
		}},
	}
	signed, err := c.sign(action)
	if err != nil {
		return OrderResult{}, err
	}
	var out struct {
		Status   string `json:"status"`
		Response struct {
			Data struct {
				Statuses []map[string]any `json:"statuses"`
			} `json:"data"`
		} `json:"response"`
	}
	if err := c.post(ctx, c.exchangeURL, signed, &out); err != nil {
		return OrderResult{}, err
	}
	return parseOrderResult(req.Cloid, out.Status, out.Response.Data.Statuses), nil
}

func tifPayload(req OrderRequest) map[string]any {
	if req.IsMarket {
		return map[string]any{"limit": map[string]string{"tif": "Ioc"}}
	}
	return map[string]any{"limit": map[string]string{"tif": req.Tif}}
}

func parseOrderResult(cloid, status string, statuses []map[string]any) OrderResult {
	res := OrderResult{Cloid: cloid, Status: status}
	if len(statuses) == 0 {
		return res
	}
	s := statuses[0]
	if resting, ok := s["resting"].(map[string]any); ok {
		res.Status = "resting"
		if oid, ok := resting["oid"].(float64); ok {
			res.Oid = int64(oid)
		}
		return res
	}
	if _, ok := s["filled"]; ok {
		res.Status = "filled"
		return res
	}
	if errMsg, ok := s["error"].(string); ok {
		res.Status = "error"
		res.RejectMsg = errMsg
		res.RejectCode = classifyReject(errMsg)
	}
	return res
}

func (c *httpClient) CancelOrder(ctx context.Context, coin string, oid int64) error {
	action := map[string]any{"type": "cancel", "cancels": []map[string]any{{"a": coin, "o": oid}}}
	signed, err := c.sign(action)
	if err != nil {
		return err
	}
	return c.post(ctx, c.exchangeURL, signed, nil)
}

func (c *httpClient) CancelByCloid(ctx context.Context, coin, cloid string) error {
	action := map[string]any{"type": "cancelByCloid", "cancels": []map[string]any{{"asset": coin, "cloid": cloid}}}
	signed, err := c.sign(action)
	if err != nil {
		return err
	}
	return c.post(ctx, c.exchangeURL, signed, nil)
}

func (c *httpClient) sign(action map[string]any) (map[string]any, error) {
	if c.signer == nil {
		return map[string]any{"action": action}, nil
	}
	digest := digestAction(action)
	r, s, v, err := c.signer.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("sign action: %w", err)
	}
	return map[string]any{
		"action": action,
		"nonce":  time.Now().UnixMilli(),
		"signature": map[string]any{
			"r": fmt.Sprintf("0x%x", r),
			"s": fmt.Sprintf("0x%x", s),
			"v": v,
		},
	}, nil
}
