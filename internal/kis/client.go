// Package kis is a thin HTTP client for the Korea Investment & Securities
// open API, covering the quote, balance and order endpoints the brokers
// need for both the domestic (KRX) and overseas (US) accounts. The venue
// distinguishes its simulated and live accounts by host and tr_id prefix.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	liveBaseURL  = "https://openapi.koreainvestment.com:9443"
	paperBaseURL = "https://openapivts.koreainvestment.com:29443"

	requestTimeout = 30 * time.Second
)

// Credentials identifies one KIS app + account pair.
type Credentials struct {
	AppKey    string
	AppSecret string
	AccountNo string // "12345678-01"
}

// Client talks to one KIS account (paper or live).
type Client struct {
	creds      Credentials
	baseURL    string
	paper      bool
	httpClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient builds a client. paper selects the venue's simulated host and
// the virtual tr_ids.
func NewClient(creds Credentials, paper bool) *Client {
	baseURL := liveBaseURL
	if paper {
		baseURL = paperBaseURL
	}
	return &Client{
		creds:      creds,
		baseURL:    baseURL,
		paper:      paper,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// IsPaper reports whether this client targets the simulated account.
func (c *Client) IsPaper() bool { return c.paper }

// cano splits the account number into its CANO and product-code parts.
func (c *Client) cano() (string, string) {
	parts := strings.SplitN(c.creds.AccountNo, "-", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return c.creds.AccountNo, "01"
}

// trID prefixes the live tr code with V for the simulated account.
func (c *Client) trID(live string) string {
	if c.paper {
		return "V" + live[1:]
	}
	return live
}

// ============================================================
// Auth
// ============================================================

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// EnsureToken fetches or refreshes the OAuth access token.
func (c *Client) EnsureToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return nil
	}

	body, _ := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.creds.AppKey,
		"appsecret":  c.creds.AppSecret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/oauth2/tokenP", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token request returned %d: %s", resp.StatusCode, raw)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return fmt.Errorf("parse token response: %w", err)
	}
	c.token = tr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return nil
}

// ============================================================
// Transport
// ============================================================

type envelope struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg1    string          `json:"msg1"`
	Output  json.RawMessage `json:"output"`
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

func (c *Client) do(ctx context.Context, method, path, trID string, params url.Values, body any) (*envelope, []byte, error) {
	if err := c.EnsureToken(ctx); err != nil {
		return nil, nil, err
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authorization", "Bearer "+c.token)
	req.Header.Set("appkey", c.creds.AppKey)
	req.Header.Set("appsecret", c.creds.AppSecret)
	req.Header.Set("tr_id", trID)
	req.Header.Set("custtype", "P")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, raw, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, raw)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, raw, fmt.Errorf("parse response: %w", err)
	}
	if env.RtCd != "0" {
		return &env, raw, fmt.Errorf("api error %s: %s", env.MsgCd, env.Msg1)
	}
	return &env, raw, nil
}

func parseAmount(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ============================================================
// Quotes
// ============================================================

// GetDomesticPrice returns the current KRX price for a symbol.
func (c *Client) GetDomesticPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", "J")
	params.Set("FID_INPUT_ISCD", symbol)

	env, _, err := c.do(ctx, http.MethodGet,
		"/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100", params, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var out struct {
		Price string `json:"stck_prpr"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return decimal.Zero, fmt.Errorf("parse price output: %w", err)
	}

	price := parseAmount(out.Price)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

// GetOverseasPrice returns the current US price for a symbol on an
// exchange (NAS, NYS, AMS).
func (c *Client) GetOverseasPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("AUTH", "")
	params.Set("EXCD", exchange)
	params.Set("SYMB", symbol)

	env, _, err := c.do(ctx, http.MethodGet,
		"/uapi/overseas-price/v1/quotations/price", "HHDFS00000300", params, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var out struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return decimal.Zero, fmt.Errorf("parse price output: %w", err)
	}

	price := parseAmount(out.Last)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no price for %s.%s", exchange, symbol)
	}
	return price, nil
}

// ============================================================
// Balance
// ============================================================

// AccountSummary is the normalized balance view.
type AccountSummary struct {
	TotalValue      decimal.Decimal
	CashBalance     decimal.Decimal
	SecuritiesValue decimal.Decimal
	BuyingPower     decimal.Decimal
}

// GetDomesticBalance returns the KRX account summary.
func (c *Client) GetDomesticBalance(ctx context.Context) (*AccountSummary, error) {
	cano, prdt := c.cano()
	params := url.Values{}
	params.Set("CANO", cano)
	params.Set("ACNT_PRDT_CD", prdt)
	params.Set("AFHR_FLPR_YN", "N")
	params.Set("OFL_YN", "")
	params.Set("INQR_DVSN", "02")
	params.Set("UNPR_DVSN", "01")
	params.Set("FUND_STTL_ICLD_YN", "N")
	params.Set("FNCG_AMT_AUTO_RDPT_YN", "N")
	params.Set("PRCS_DVSN", "00")
	params.Set("CTX_AREA_FK100", "")
	params.Set("CTX_AREA_NK100", "")

	env, _, err := c.do(ctx, http.MethodGet,
		"/uapi/domestic-stock/v1/trading/inquire-balance", c.trID("TTTC8434R"), params, nil)
	if err != nil {
		return nil, err
	}

	var summaries []struct {
		TotalEval  string `json:"tot_evlu_amt"`
		Cash       string `json:"dnca_tot_amt"`
		StockEval  string `json:"scts_evlu_amt"`
		OrderCash  string `json:"ord_psbl_cash"`
		PrvsRdnAmt string `json:"prvs_rcdl_excc_amt"`
	}
	if err := json.Unmarshal(env.Output2, &summaries); err != nil || len(summaries) == 0 {
		return nil, fmt.Errorf("parse balance output: %w", err)
	}

	s := summaries[0]
	buyingPower := parseAmount(s.OrderCash)
	if !buyingPower.IsPositive() {
		buyingPower = parseAmount(s.PrvsRdnAmt)
	}
	return &AccountSummary{
		TotalValue:      parseAmount(s.TotalEval),
		CashBalance:     parseAmount(s.Cash),
		SecuritiesValue: parseAmount(s.StockEval),
		BuyingPower:     buyingPower,
	}, nil
}

// GetOverseasBalance returns the US account summary in USD.
func (c *Client) GetOverseasBalance(ctx context.Context) (*AccountSummary, error) {
	cano, prdt := c.cano()
	params := url.Values{}
	params.Set("CANO", cano)
	params.Set("ACNT_PRDT_CD", prdt)
	params.Set("OVRS_EXCG_CD", "NASD")
	params.Set("TR_CRCY_CD", "USD")
	params.Set("CTX_AREA_FK200", "")
	params.Set("CTX_AREA_NK200", "")

	env, _, err := c.do(ctx, http.MethodGet,
		"/uapi/overseas-stock/v1/trading/inquire-balance", c.trID("TTTS3012R"), params, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		TotalEval string `json:"tot_evlu_pfls_amt"`
		Cash      string `json:"frcr_dncl_amt1"`
		StockEval string `json:"ovrs_tot_pfls"`
		OrderCash string `json:"frcr_buy_psbl_amt1"`
	}
	if err := json.Unmarshal(env.Output2, &out); err != nil {
		return nil, fmt.Errorf("parse balance output: %w", err)
	}

	cash := parseAmount(out.Cash)
	securities := parseAmount(out.StockEval)
	total := parseAmount(out.TotalEval)
	if total.IsZero() {
		total = cash.Add(securities)
	}
	buyingPower := parseAmount(out.OrderCash)
	if !buyingPower.IsPositive() {
		buyingPower = cash
	}
	return &AccountSummary{
		TotalValue:      total,
		CashBalance:     cash,
		SecuritiesValue: securities,
		BuyingPower:     buyingPower,
	}, nil
}

// ============================================================
// Orders
// ============================================================

// OrderAck is the venue's acknowledgement of an order submission.
type OrderAck struct {
	OrderNo string
	Raw     []byte
}

// PlaceDomesticOrder submits a KRX cash order. Market orders pass a zero
// price (ORD_DVSN 01); limit orders use ORD_DVSN 00.
func (c *Client) PlaceDomesticOrder(ctx context.Context, symbol string, buy bool, quantity int64, price decimal.Decimal) (*OrderAck, error) {
	cano, prdt := c.cano()

	ordDvsn := "01" // market
	unpr := "0"
	if price.IsPositive() {
		ordDvsn = "00" // limit
		unpr = price.StringFixed(0)
	}

	trID := c.trID("TTTC0802U") // buy
	if !buy {
		trID = c.trID("TTTC0801U") // sell
	}

	body := map[string]string{
		"CANO":         cano,
		"ACNT_PRDT_CD": prdt,
		"PDNO":         symbol,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.FormatInt(quantity, 10),
		"ORD_UNPR":     unpr,
	}

	env, raw, err := c.do(ctx, http.MethodPost,
		"/uapi/domestic-stock/v1/trading/order-cash", trID, nil, body)
	if err != nil {
		return nil, err
	}

	var out struct {
		OrderNo string `json:"ODNO"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return nil, fmt.Errorf("parse order output: %w", err)
	}
	return &OrderAck{OrderNo: out.OrderNo, Raw: raw}, nil
}

// PlaceOverseasOrder submits a US order. The overseas endpoint requires a
// limit price; market-style orders pass the current quote.
func (c *Client) PlaceOverseasOrder(ctx context.Context, exchange, symbol string, buy bool, quantity int64, price decimal.Decimal) (*OrderAck, error) {
	cano, prdt := c.cano()

	trID := c.trID("TTTT1002U") // US buy
	if !buy {
		trID = c.trID("TTTT1006U") // US sell
	}

	body := map[string]string{
		"CANO":            cano,
		"ACNT_PRDT_CD":    prdt,
		"OVRS_EXCG_CD":    exchange,
		"PDNO":            symbol,
		"ORD_QTY":         strconv.FormatInt(quantity, 10),
		"OVRS_ORD_UNPR":   price.StringFixed(2),
		"ORD_SVR_DVSN_CD": "0",
		"ORD_DVSN":        "00",
	}

	env, raw, err := c.do(ctx, http.MethodPost,
		"/uapi/overseas-stock/v1/trading/order", trID, nil, body)
	if err != nil {
		return nil, err
	}

	var out struct {
		OrderNo string `json:"ODNO"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return nil, fmt.Errorf("parse order output: %w", err)
	}
	return &OrderAck{OrderNo: out.OrderNo, Raw: raw}, nil
}

// Fill is the venue's execution report for one order.
type Fill struct {
	OrderNo     string
	Status      string
	FilledQty   int64
	FilledPrice decimal.Decimal
}

// GetDomesticOrderFill looks up today's execution for an order number.
func (c *Client) GetDomesticOrderFill(ctx context.Context, orderNo string) (*Fill, error) {
	cano, prdt := c.cano()
	today := time.Now().Format("20060102")

	params := url.Values{}
	params.Set("CANO", cano)
	params.Set("ACNT_PRDT_CD", prdt)
	params.Set("INQR_STRT_DT", today)
	params.Set("INQR_END_DT", today)
	params.Set("SLL_BUY_DVSN_CD", "00")
	params.Set("INQR_DVSN", "00")
	params.Set("PDNO", "")
	params.Set("CCLD_DVSN", "00")
	params.Set("ORD_GNO_BRNO", "")
	params.Set("ODNO", orderNo)
	params.Set("INQR_DVSN_3", "00")
	params.Set("INQR_DVSN_1", "")
	params.Set("CTX_AREA_FK100", "")
	params.Set("CTX_AREA_NK100", "")

	env, _, err := c.do(ctx, http.MethodGet,
		"/uapi/domestic-stock/v1/trading/inquire-daily-ccld", c.trID("TTTC8001R"), params, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		OrderNo   string `json:"odno"`
		TotalQty  string `json:"tot_ccld_qty"`
		AvgPrice  string `json:"avg_prvs"`
		OrderQty  string `json:"ord_qty"`
		CcldPrice string `json:"ccld_prc"`
	}
	if err := json.Unmarshal(env.Output1, &rows); err != nil {
		return nil, fmt.Errorf("parse fills output: %w", err)
	}

	for _, row := range rows {
		if row.OrderNo != orderNo {
			continue
		}
		filledQty, _ := strconv.ParseInt(strings.TrimSpace(row.TotalQty), 10, 64)
		price := parseAmount(row.AvgPrice)
		if !price.IsPositive() {
			price = parseAmount(row.CcldPrice)
		}
		status := "PENDING"
		if filledQty > 0 {
			status = "FILLED"
		}
		return &Fill{OrderNo: orderNo, Status: status, FilledQty: filledQty, FilledPrice: price}, nil
	}
	return nil, fmt.Errorf("order %s not found in today's executions", orderNo)
}
