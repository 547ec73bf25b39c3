package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mbd888/skinsettle/internal/circuitbreaker"
	"github.com/mbd888/skinsettle/internal/retry"
	"github.com/mbd888/skinsettle/internal/traces"
)

// Endpoint names, used for metrics, breaker keys and error Op fields.
const (
	EndpointInventory   = "inventory"
	EndpointSendOffer   = "tradeoffer.send"
	EndpointOfferStatus = "tradeoffer.status"
)

const (
	inventoryPageSize = 2000
	maxBodyBytes      = 8 << 20
	// steamID64 = accountID + this offset for individual accounts
	steamID64Base = 76561197960265728
)

// Options configures a Client.
type Options struct {
	APIKey       string
	APIURL       string // Web API base, e.g. https://api.steampowered.com
	CommunityURL string // community base, e.g. https://steamcommunity.com
	AppID        int64
	ContextID    int64

	DailyQuota        int64
	RequestsPerSecond float64

	// Session cookies of the sending account, used for trade offer creation.
	SessionID   string
	LoginSecure string

	HTTPClient *http.Client
	Cache      InventoryCache
	Breaker    *circuitbreaker.Breaker
	Retry      retry.Policy
	Now        func() time.Time
	Logger     *slog.Logger
}

// Client is the single gateway to Steam. It owns the daily quota and the
// inventory cache. Construct one per process and share it.
type Client struct {
	opts    Options
	http    *http.Client
	cache   InventoryCache
	quota   *Quota
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	retry   retry.Policy
	now     func() time.Time
	logger  *slog.Logger
}

// NewClient creates a Client. Zero-valued options take safe defaults.
func NewClient(opts Options) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	if opts.Breaker == nil {
		opts.Breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DailyQuota <= 0 {
		opts.DailyQuota = 100000
	}
	if opts.AppID == 0 {
		opts.AppID = 730
	}
	if opts.ContextID == 0 {
		opts.ContextID = 2
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")
	opts.CommunityURL = strings.TrimRight(opts.CommunityURL, "/")

	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &Client{
		opts:    opts,
		http:    opts.HTTPClient,
		cache:   opts.Cache,
		quota:   NewQuota(opts.DailyQuota, opts.Now),
		limiter: rate.NewLimiter(limit, burst),
		breaker: opts.Breaker,
		retry:   opts.Retry,
		now:     opts.Now,
		logger:  opts.Logger.With("component", "steam"),
	}
}

// Quota exposes the client's request budget.
func (c *Client) Quota() *Quota { return c.quota }

// Breaker exposes per-endpoint circuit state.
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.breaker }

// --- inventory ---

type inventoryResponse struct {
	Assets []struct {
		AssetID    string `json:"assetid"`
		ClassID    string `json:"classid"`
		InstanceID string `json:"instanceid"`
	} `json:"assets"`
	Descriptions []struct {
		ClassID        string `json:"classid"`
		InstanceID     string `json:"instanceid"`
		Tradable       int    `json:"tradable"`
		MarketHashName string `json:"market_hash_name"`
	} `json:"descriptions"`
	MoreItems   int    `json:"more_items"`
	LastAssetID string `json:"last_assetid"`
	Success     any    `json:"success"` // 1 or true; false/0 on private profiles
}

func (r *inventoryResponse) ok() bool {
	switch v := r.Success.(type) {
	case float64:
		return v == 1
	case bool:
		return v
	}
	return false
}

// FetchInventory returns the current inventory of identity.
//
// When the quota is spent, or throttling and transient failures outlast the
// retry budget, the last cached snapshot is returned with Stale set. With no
// cached snapshot the classified error is returned instead.
func (c *Client) FetchInventory(ctx context.Context, identity string) (*Snapshot, error) {
	ctx, span := traces.StartSpan(ctx, "steam.FetchInventory", traces.Identity(identity))
	var err error
	defer func() { traces.End(span, err) }()

	if c.quota.Remaining() == 0 {
		var snap *Snapshot
		snap, err = c.fromCache(ctx, identity, &Error{Kind: KindRateLimited, Op: EndpointInventory, Err: ErrQuotaExhausted})
		return snap, err
	}

	var snap *Snapshot
	snap, err = c.fetchInventoryPages(ctx, identity)
	if err != nil {
		if KindOf(err).Retryable() && ctx.Err() == nil {
			snap, err = c.fromCache(ctx, identity, err)
			return snap, err
		}
		return nil, err
	}

	if perr := c.cache.Put(ctx, snap); perr != nil {
		c.logger.Warn("inventory cache write failed", "identity", identity, "error", perr)
	}
	return snap, nil
}

func (c *Client) fromCache(ctx context.Context, identity string, cause error) (*Snapshot, error) {
	cached, ok, err := c.cache.Get(ctx, identity)
	if err != nil {
		c.logger.Warn("inventory cache read failed", "identity", identity, "error", err)
	}
	if !ok {
		return nil, cause
	}
	cached.Stale = true
	staleServed.Inc()
	c.logger.Debug("serving stale inventory", "identity", identity,
		"fetchedAt", cached.FetchedAt, "cause", cause)
	return cached, nil
}

func (c *Client) fetchInventoryPages(ctx context.Context, identity string) (*Snapshot, error) {
	snap := &Snapshot{Identity: identity, Items: []Item{}}
	start := ""

	for {
		q := url.Values{}
		q.Set("l", "english")
		q.Set("count", strconv.Itoa(inventoryPageSize))
		if start != "" {
			q.Set("start_assetid", start)
		}
		u := fmt.Sprintf("%s/inventory/%s/%d/%d?%s", c.opts.CommunityURL,
			url.PathEscape(identity), c.opts.AppID, c.opts.ContextID, q.Encode())

		var page inventoryResponse
		err := c.call(ctx, EndpointInventory, true, func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		}, func(body []byte) error {
			trimmed := strings.TrimSpace(string(body))
			if trimmed == "" || trimmed == "null" {
				return &Error{Kind: KindPrivate, Op: EndpointInventory, Err: ErrPrivate}
			}
			if err := json.Unmarshal(body, &page); err != nil {
				return &Error{Kind: KindTransient, Op: EndpointInventory, Err: fmt.Errorf("decode: %w", err)}
			}
			if !page.ok() {
				return &Error{Kind: KindPrivate, Op: EndpointInventory, Err: ErrPrivate}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		type classKey struct{ class, instance string }
		descs := make(map[classKey]int, len(page.Descriptions))
		for i, d := range page.Descriptions {
			descs[classKey{d.ClassID, d.InstanceID}] = i
		}
		for _, a := range page.Assets {
			it := Item{AssetID: a.AssetID, ClassID: a.ClassID, InstanceID: a.InstanceID}
			if i, ok := descs[classKey{a.ClassID, a.InstanceID}]; ok {
				it.Tradable = page.Descriptions[i].Tradable == 1
				it.MarketHashName = page.Descriptions[i].MarketHashName
			}
			snap.Items = append(snap.Items, it)
		}

		if page.MoreItems != 1 || page.LastAssetID == "" || page.LastAssetID == start {
			break
		}
		start = page.LastAssetID
	}

	snap.FetchedAt = c.now()
	return snap, nil
}

// --- trade offers ---

type tradeOfferAsset struct {
	AppID     int64  `json:"appid"`
	ContextID string `json:"contextid"`
	Amount    int    `json:"amount"`
	AssetID   string `json:"assetid"`
}

type tradeOfferSide struct {
	Assets   []tradeOfferAsset `json:"assets"`
	Currency []any             `json:"currency"`
	Ready    bool              `json:"ready"`
}

type tradeOfferPayload struct {
	NewVersion bool           `json:"newversion"`
	Version    int            `json:"version"`
	Me         tradeOfferSide `json:"me"`
	Them       tradeOfferSide `json:"them"`
}

// SendOffer creates a trade offer giving req.AssetIDs to the partner and
// returns the offer ID.
//
// Offer creation is not idempotent upstream, so only throttling responses
// are retried. A 5xx is returned as Transient on the first occurrence.
func (c *Client) SendOffer(ctx context.Context, req OfferRequest) (string, error) {
	ctx, span := traces.StartSpan(ctx, "steam.SendOffer", traces.Identity(req.PartnerIdentity))
	var err error
	defer func() { traces.End(span, err) }()

	if len(req.AssetIDs) == 0 {
		err = &Error{Kind: KindFatal, Op: EndpointSendOffer, Err: errors.New("no assets in offer")}
		return "", err
	}
	partner, perr := strconv.ParseUint(req.PartnerIdentity, 10, 64)
	if perr != nil || partner < steamID64Base {
		err = &Error{Kind: KindFatal, Op: EndpointSendOffer, Err: fmt.Errorf("invalid partner steamID %q", req.PartnerIdentity)}
		return "", err
	}
	if c.quota.Remaining() == 0 {
		err = &Error{Kind: KindRateLimited, Op: EndpointSendOffer, Err: ErrQuotaExhausted}
		return "", err
	}

	payload := tradeOfferPayload{NewVersion: true, Version: 2,
		Me:   tradeOfferSide{Assets: []tradeOfferAsset{}, Currency: []any{}},
		Them: tradeOfferSide{Assets: []tradeOfferAsset{}, Currency: []any{}},
	}
	ctxID := strconv.FormatInt(c.opts.ContextID, 10)
	for _, id := range req.AssetIDs {
		payload.Me.Assets = append(payload.Me.Assets, tradeOfferAsset{
			AppID: c.opts.AppID, ContextID: ctxID, Amount: 1, AssetID: id,
		})
	}
	offerJSON, _ := json.Marshal(payload)
	params, _ := json.Marshal(map[string]string{"trade_offer_access_token": req.Token})

	form := url.Values{}
	form.Set("sessionid", c.opts.SessionID)
	form.Set("serverid", "1")
	form.Set("partner", req.PartnerIdentity)
	form.Set("tradeoffermessage", req.Message)
	form.Set("json_tradeoffer", string(offerJSON))
	form.Set("captcha", "")
	form.Set("trade_offer_create_params", string(params))

	referer := fmt.Sprintf("%s/tradeoffer/new/?partner=%d&token=%s",
		c.opts.CommunityURL, partner-steamID64Base, url.QueryEscape(req.Token))

	var out struct {
		TradeOfferID string `json:"tradeofferid"`
		StrError     string `json:"strError"`
	}
	err = c.call(ctx, EndpointSendOffer, false, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.opts.CommunityURL+"/tradeoffer/new/send", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
		r.Header.Set("Referer", referer)
		r.AddCookie(&http.Cookie{Name: "sessionid", Value: c.opts.SessionID})
		r.AddCookie(&http.Cookie{Name: "steamLoginSecure", Value: c.opts.LoginSecure})
		return r, nil
	}, func(body []byte) error {
		if err := json.Unmarshal(body, &out); err != nil {
			return &Error{Kind: KindTransient, Op: EndpointSendOffer, Err: fmt.Errorf("decode: %w", err)}
		}
		if out.TradeOfferID == "" {
			msg := out.StrError
			if msg == "" {
				msg = "no offer id in response"
			}
			return &Error{Kind: KindFatal, Op: EndpointSendOffer, Err: fmt.Errorf("%w: %s", ErrOfferRejected, msg)}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return out.TradeOfferID, nil
}

// GetOfferStatus returns the current state of a trade offer. Offers the
// API does not return yet report OfferUnknown.
func (c *Client) GetOfferStatus(ctx context.Context, offerID string) (OfferState, error) {
	ctx, span := traces.StartSpan(ctx, "steam.GetOfferStatus")
	var err error
	defer func() { traces.End(span, err) }()

	if c.quota.Remaining() == 0 {
		err = &Error{Kind: KindRateLimited, Op: EndpointOfferStatus, Err: ErrQuotaExhausted}
		return OfferUnknown, err
	}

	q := url.Values{}
	q.Set("key", c.opts.APIKey)
	q.Set("tradeofferid", offerID)
	u := c.opts.APIURL + "/IEconService/GetTradeOffer/v1/?" + q.Encode()

	var out struct {
		Response struct {
			Offer *struct {
				TradeOfferID    string `json:"tradeofferid"`
				TradeOfferState int    `json:"trade_offer_state"`
			} `json:"offer"`
		} `json:"response"`
	}
	err = c.call(ctx, EndpointOfferStatus, true, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, func(body []byte) error {
		if err := json.Unmarshal(body, &out); err != nil {
			return &Error{Kind: KindTransient, Op: EndpointOfferStatus, Err: fmt.Errorf("decode: %w", err)}
		}
		return nil
	})
	if err != nil {
		return OfferUnknown, err
	}
	if out.Response.Offer == nil {
		return OfferUnknown, nil
	}
	return offerStateFromCode(out.Response.Offer.TradeOfferState), nil
}

// --- transport ---

// call performs one logical request with quota, pacing, circuit breaking
// and retries. retryTransient=false limits retries to throttling.
func (c *Client) call(ctx context.Context, endpoint string, retryTransient bool,
	build func(context.Context) (*http.Request, error), decode func([]byte) error) error {

	err := retry.DoPolicy(ctx, c.retry, func() error {
		err := c.attempt(ctx, endpoint, build, decode)
		if err == nil {
			requestsTotal.WithLabelValues(endpoint, "ok").Inc()
			return nil
		}

		var se *Error
		if !errors.As(err, &se) {
			se = &Error{Kind: KindTransient, Op: endpoint, Err: err}
		}
		requestsTotal.WithLabelValues(endpoint, se.Kind.String()).Inc()

		switch {
		case ctx.Err() != nil:
			return retry.Permanent(se)
		case errors.Is(se.Err, ErrQuotaExhausted):
			return retry.Permanent(se)
		case se.Kind == KindRateLimited:
			if se.RetryAfter > 0 {
				return retry.After(se, se.RetryAfter)
			}
			return se
		case se.Kind == KindTransient && retryTransient && !errors.Is(se.Err, circuitbreaker.ErrOpen):
			return se
		default:
			return retry.Permanent(se)
		}
	})
	var se *Error
	if err != nil && !errors.As(err, &se) {
		return &Error{Kind: KindTransient, Op: endpoint, Err: err}
	}
	return err
}

func (c *Client) attempt(ctx context.Context, endpoint string,
	build func(context.Context) (*http.Request, error), decode func([]byte) error) error {

	if !c.quota.Take() {
		return &Error{Kind: KindRateLimited, Op: endpoint, Err: ErrQuotaExhausted}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindTransient, Op: endpoint, Err: err}
	}

	var body []byte
	err := c.breaker.Execute(endpoint, countsAsOutage, func() error {
		req, err := build(ctx)
		if err != nil {
			return &Error{Kind: KindFatal, Op: endpoint, Err: err}
		}
		start := c.now()
		resp, err := c.http.Do(req)
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			return &Error{Kind: KindTransient, Op: endpoint, Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return &Error{Kind: KindTransient, Op: endpoint, Status: resp.StatusCode, Err: err}
		}
		return classifyStatus(endpoint, resp, c.now())
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &Error{Kind: KindTransient, Op: endpoint, Err: err}
	}
	if err != nil {
		return err
	}
	return decode(body)
}

// countsAsOutage decides which failures trip the breaker. Private
// inventories and rejected offers say nothing about upstream health.
func countsAsOutage(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindRateLimited
}

func classifyStatus(endpoint string, resp *http.Response, now time.Time) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return &Error{Kind: KindFatal, Op: endpoint, Status: code, Err: errors.New("unauthorized")}
	case code == http.StatusForbidden && endpoint == EndpointInventory:
		return &Error{Kind: KindPrivate, Op: endpoint, Status: code, Err: ErrPrivate}
	case code == http.StatusForbidden:
		return &Error{Kind: KindForbidden, Op: endpoint, Status: code, Err: errors.New("forbidden")}
	case code == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Op: endpoint, Status: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
			Err:        errors.New("too many requests")}
	case code >= 500:
		return &Error{Kind: KindTransient, Op: endpoint, Status: code, Err: errors.New(http.StatusText(code))}
	default:
		return &Error{Kind: KindFatal, Op: endpoint, Status: code, Err: errors.New(http.StatusText(code))}
	}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

var _ API = (*Client)(nil)
