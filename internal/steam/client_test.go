package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/skinsettle/internal/circuitbreaker"
	"github.com/mbd888/skinsettle/internal/logging"
	"github.com/mbd888/skinsettle/internal/retry"
)

const (
	sellerID = "76561198000000001"
	buyerID  = "76561198000000002"
)

func testClient(t *testing.T, srv *httptest.Server, quota int64, clk *fakeClock) *Client {
	t.Helper()
	if clk == nil {
		clk = newFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	}
	return NewClient(Options{
		APIKey:       "test-key",
		APIURL:       srv.URL,
		CommunityURL: srv.URL,
		DailyQuota:   quota,
		SessionID:    "sess",
		LoginSecure:  "secure",
		HTTPClient:   srv.Client(),
		Breaker:      circuitbreaker.New(100, time.Minute),
		Retry:        retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Now:          clk.Now,
		Logger:       logging.Discard(),
	})
}

func inventoryJSON(more bool, last string, assets ...string) string {
	type asset struct {
		AssetID    string `json:"assetid"`
		ClassID    string `json:"classid"`
		InstanceID string `json:"instanceid"`
	}
	type desc struct {
		ClassID        string `json:"classid"`
		InstanceID     string `json:"instanceid"`
		Tradable       int    `json:"tradable"`
		MarketHashName string `json:"market_hash_name"`
	}
	body := struct {
		Assets       []asset `json:"assets"`
		Descriptions []desc  `json:"descriptions"`
		MoreItems    int     `json:"more_items,omitempty"`
		LastAssetID  string  `json:"last_assetid,omitempty"`
		Success      int     `json:"success"`
	}{Success: 1}
	for i, a := range assets {
		class := fmt.Sprintf("c%d", i)
		body.Assets = append(body.Assets, asset{AssetID: a, ClassID: class, InstanceID: "0"})
		tradable := 1
		if strings.HasPrefix(a, "locked") {
			tradable = 0
		}
		body.Descriptions = append(body.Descriptions, desc{ClassID: class, InstanceID: "0", Tradable: tradable, MarketHashName: "AK-47 | Redline"})
	}
	if more {
		body.MoreItems = 1
		body.LastAssetID = last
	}
	out, _ := json.Marshal(body)
	return string(out)
}

func TestFetchInventory_ParsesItems(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, "english", r.URL.Query().Get("l"))
		fmt.Fprint(w, inventoryJSON(false, "", "111", "locked222"))
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	snap, err := c.FetchInventory(context.Background(), sellerID)
	require.NoError(t, err)

	assert.Equal(t, "/inventory/"+sellerID+"/730/2", path)
	assert.False(t, snap.Stale)
	require.Len(t, snap.Items, 2)

	it, ok := snap.Find("111")
	require.True(t, ok)
	assert.True(t, it.Tradable)
	assert.Equal(t, "AK-47 | Redline", it.MarketHashName)

	locked, ok := snap.Find("locked222")
	require.True(t, ok)
	assert.False(t, locked.Tradable)

	cached, ok, err := c.cache.Get(context.Background(), sellerID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, cached.Items, 2)
}

func TestFetchInventory_FollowsPages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("start_assetid") == "" {
			fmt.Fprint(w, inventoryJSON(true, "111", "111"))
			return
		}
		assert.Equal(t, "111", r.URL.Query().Get("start_assetid"))
		fmt.Fprint(w, inventoryJSON(false, "", "222"))
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	snap, err := c.FetchInventory(context.Background(), sellerID)
	require.NoError(t, err)
	assert.True(t, snap.Contains("111"))
	assert.True(t, snap.Contains("222"))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(98), c.Quota().Remaining(), "each page consumes quota")
}

func TestFetchInventory_PrivateNotRetried(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"403": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, "null")
		},
		"null body": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "null")
		},
		"success false": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"success":false}`)
		},
	} {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				handler(w, r)
			}))
			defer srv.Close()

			c := testClient(t, srv, 100, nil)
			_, err := c.FetchInventory(context.Background(), sellerID)
			require.Error(t, err)
			assert.Equal(t, KindPrivate, KindOf(err))
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestFetchInventory_PrivateIgnoresCache(t *testing.T) {
	private := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if private.Load() {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, inventoryJSON(false, "", "111"))
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	_, err := c.FetchInventory(context.Background(), sellerID)
	require.NoError(t, err)

	private.Store(true)
	_, err = c.FetchInventory(context.Background(), sellerID)
	assert.True(t, IsKind(err, KindPrivate))
}

func TestFetchInventory_RetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, inventoryJSON(false, "", "111"))
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	snap, err := c.FetchInventory(context.Background(), buyerID)
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchInventory_QuotaExhaustedServesStaleCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, inventoryJSON(false, "", "111"))
	}))
	defer srv.Close()

	c := testClient(t, srv, 1, nil)
	first, err := c.FetchInventory(context.Background(), buyerID)
	require.NoError(t, err)

	snap, err := c.FetchInventory(context.Background(), buyerID)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.True(t, snap.Contains("111"))
	assert.Equal(t, first.FetchedAt, snap.FetchedAt)
	assert.Equal(t, int32(1), calls.Load(), "no network call once the quota is spent")
}

func TestFetchInventory_QuotaExhaustedWithoutCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := testClient(t, srv, 0, nil)
	c.quota = NewQuota(0, time.Now)

	_, err := c.FetchInventory(context.Background(), buyerID)
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, int32(0), calls.Load())
}

func TestFetchInventory_TransientFallsBackToCache(t *testing.T) {
	down := atomic.Bool{}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, inventoryJSON(false, "", "111"))
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	_, err := c.FetchInventory(context.Background(), buyerID)
	require.NoError(t, err)

	down.Store(true)
	snap, err := c.FetchInventory(context.Background(), buyerID)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Equal(t, int32(4), calls.Load(), "one success plus three attempts")
}

func TestFetchInventory_TransientWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	_, err := c.FetchInventory(context.Background(), buyerID)
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
}

func TestFetchInventory_UnauthorizedIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	_, err := c.FetchInventory(context.Background(), buyerID)
	assert.Equal(t, KindFatal, KindOf(err))
}

func TestFetchInventory_OpenCircuitShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	c.breaker = circuitbreaker.New(1, time.Hour)

	_, err := c.FetchInventory(context.Background(), buyerID)
	require.Error(t, err)
	_, err = c.FetchInventory(context.Background(), buyerID)
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendOffer_PostsForm(t *testing.T) {
	var form url.Values
	var referer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tradeoffer/new/send", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		referer = r.Header.Get("Referer")
		if cookie, err := r.Cookie("steamLoginSecure"); assert.NoError(t, err) {
			assert.Equal(t, "secure", cookie.Value)
		}
		fmt.Fprint(w, `{"tradeofferid":"5550001"}`)
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	id, err := c.SendOffer(context.Background(), OfferRequest{
		PartnerIdentity: buyerID,
		Token:           "tok-1",
		AssetIDs:        []string{"111"},
		Message:         "settlement stl_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "5550001", id)

	assert.Equal(t, buyerID, form.Get("partner"))
	assert.Equal(t, "sess", form.Get("sessionid"))
	assert.Contains(t, form.Get("trade_offer_create_params"), "tok-1")

	var offer tradeOfferPayload
	require.NoError(t, json.Unmarshal([]byte(form.Get("json_tradeoffer")), &offer))
	require.Len(t, offer.Me.Assets, 1)
	assert.Equal(t, "111", offer.Me.Assets[0].AssetID)
	assert.Equal(t, "2", offer.Me.Assets[0].ContextID)
	assert.Empty(t, offer.Them.Assets)

	// accountID = steamID64 - base
	assert.Contains(t, referer, "partner=39734274")
}

func TestSendOffer_ServerErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"strError":"There was an error sending your trade offer. (15)"}`)
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	_, err := c.SendOffer(context.Background(), OfferRequest{PartnerIdentity: buyerID, Token: "t", AssetIDs: []string{"1"}})
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendOffer_RejectedWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"strError":"invalid token"}`)
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	_, err := c.SendOffer(context.Background(), OfferRequest{PartnerIdentity: buyerID, Token: "t", AssetIDs: []string{"1"}})
	assert.Equal(t, KindFatal, KindOf(err))
	assert.ErrorIs(t, err, ErrOfferRejected)
}

func TestSendOffer_ValidatesInput(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := testClient(t, srv, 100, nil)

	_, err := c.SendOffer(context.Background(), OfferRequest{PartnerIdentity: buyerID})
	assert.Equal(t, KindFatal, KindOf(err))

	_, err = c.SendOffer(context.Background(), OfferRequest{PartnerIdentity: "12", AssetIDs: []string{"1"}})
	assert.Equal(t, KindFatal, KindOf(err))
}

func TestSendOffer_SessionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	_, err := c.SendOffer(context.Background(), OfferRequest{PartnerIdentity: buyerID, Token: "t", AssetIDs: []string{"1"}})
	assert.Equal(t, KindForbidden, KindOf(err))
}

func TestGetOfferStatus(t *testing.T) {
	cases := map[int]OfferState{
		2:  OfferActive,
		3:  OfferAccepted,
		4:  OfferDeclined,
		5:  OfferExpired,
		6:  OfferCanceled,
		7:  OfferDeclined,
		8:  OfferInvalid,
		11: OfferInEscrow,
		42: OfferUnknown,
	}
	for code, want := range cases {
		code, want := code, want
		t.Run(string(want), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/IEconService/GetTradeOffer/v1/", r.URL.Path)
				assert.Equal(t, "test-key", r.URL.Query().Get("key"))
				fmt.Fprintf(w, `{"response":{"offer":{"tradeofferid":"9","trade_offer_state":%d}}}`, code)
			}))
			defer srv.Close()

			c := testClient(t, srv, 100, nil)
			got, err := c.GetOfferStatus(context.Background(), "9")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestGetOfferStatus_MissingOffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":{}}`)
	}))
	defer srv.Close()

	c := testClient(t, srv, 100, nil)
	got, err := c.GetOfferStatus(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, OfferUnknown, got)
}

func TestGetOfferStatus_QuotaExhausted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := testClient(t, srv, 100, nil)
	c.quota = NewQuota(0, time.Now)

	_, err := c.GetOfferStatus(context.Background(), "9")
	assert.Equal(t, KindRateLimited, KindOf(err))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
}

func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(fmt.Errorf("boom")))
	assert.False(t, KindPrivate.Retryable())
	assert.False(t, KindFatal.Retryable())
	assert.True(t, KindRateLimited.Retryable())
}
