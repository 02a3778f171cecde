// Drive-thru lane simulator. Each virtual lane registers a crew account,
// then loops through realistic order sessions against the command API:
// start, add a few items off the current menu, occasionally remove one, give
// a name, and sometimes cancel at the window.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goodfood/drivethru/internal/platform/metrics"
)

type config struct {
	CommandAPIBase      string
	Lanes               int
	SetupConcurrency    int
	StartupWait         time.Duration
	Duration            time.Duration
	RampUp              time.Duration
	OrdersPerLanePerMin float64
	RequestTimeout      time.Duration
	MetricsAddr         string
	Password            string
	CancelRate          float64
}

type authResponse struct {
	Token string `json:"token"`
}

type menuResponse struct {
	MenuID string `json:"menuid"`
	Items  []struct {
		MenuItemID int `json:"MenuItemId"`
	} `json:"list"`
}

type orderResponse struct {
	OrderID string `json:"orderid"`
}

type lane struct {
	Index    int
	Username string
	Token    string
}

type runner struct {
	cfg       config
	runID     string
	apiClient *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	activeLanes     atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "goodfood_loadgen_requests_total",
		Help: "Total HTTP requests sent by the lane simulator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	ordersTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "goodfood_loadgen_orders_total",
		Help: "Order sessions run by the lane simulator.",
	}, []string{"outcome"})

	activeLanesGauge = metrics.NewGauge(metrics.Opts{
		Name: "goodfood_loadgen_active_lanes",
		Help: "Virtual lanes currently running order sessions.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, ordersTotal, activeLanesGauge)
}

func main() {
	cfg := loadConfig()
	if cfg.Lanes <= 0 {
		log.Fatal("LOADGEN_LANES must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr)

	transport := &http.Transport{
		MaxIdleConns:        cfg.Lanes * 2,
		MaxIdleConnsPerHost: cfg.Lanes * 2,
		IdleConnTimeout:     90 * time.Second,
	}
	r := &runner{
		cfg:   cfg,
		runID: strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		apiClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
	}

	if err := r.waitForHTTPStatus(ctx, cfg.CommandAPIBase+"/readyz", http.StatusOK, cfg.StartupWait); err != nil {
		log.Fatalf("command-api not ready: %v", err)
	}

	lanes := r.setupLanes(ctx)
	if len(lanes) == 0 {
		log.Fatal("failed to initialize any lanes")
	}
	log.Printf("lane simulator initialized: lanes=%d duration=%s orders_per_lane_per_min=%.2f",
		len(lanes), cfg.Duration.String(), cfg.OrdersPerLanePerMin)

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for idx := range lanes {
		ln := lanes[idx]
		wg.Add(1)
		go func(ln *lane) {
			defer wg.Done()
			r.runLane(ctx, ln)
		}(ln)
	}

	<-ctx.Done()
	wg.Wait()

	log.Printf("simulation complete: success_requests=%d error_requests=%d",
		r.requestsSuccess.Load(), r.requestsError.Load())
}

func loadConfig() config {
	return config{
		CommandAPIBase:      trimRightSlash(stringEnv("LOADGEN_COMMAND_API_BASE", "http://command-api:8080")),
		Lanes:               intEnv("LOADGEN_LANES", 20),
		SetupConcurrency:    intEnv("LOADGEN_SETUP_CONCURRENCY", 5),
		StartupWait:         durationEnv("LOADGEN_STARTUP_WAIT", 2*time.Minute),
		Duration:            durationEnv("LOADGEN_DURATION", 10*time.Minute),
		RampUp:              durationEnv("LOADGEN_RAMP_UP", 15*time.Second),
		OrdersPerLanePerMin: floatEnv("LOADGEN_ORDERS_PER_LANE_PER_MIN", 4),
		RequestTimeout:      durationEnv("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:         stringEnv("LOADGEN_METRICS_ADDR", ":9099"),
		Password:            stringEnv("LOADGEN_PASSWORD", "load-test-pass-123"),
		CancelRate:          floatEnv("LOADGEN_CANCEL_RATE", 0.08),
	}
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		resp, err := r.apiClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode == expectedStatus {
			return nil
		}
		lastErr = fmt.Errorf("status=%d", resp.StatusCode)
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

func (r *runner) setupLanes(ctx context.Context) []*lane {
	type setupResult struct {
		lane *lane
		err  error
	}

	sem := make(chan struct{}, r.cfg.SetupConcurrency)
	results := make(chan setupResult, r.cfg.Lanes)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Lanes; i++ {
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ln, err := r.setupSingleLane(ctx, idx)
			results <- setupResult{lane: ln, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	lanes := make([]*lane, 0, r.cfg.Lanes)
	failures := 0
	for result := range results {
		if result.err != nil {
			failures++
			log.Printf("lane setup failed: %v", result.err)
			continue
		}
		lanes = append(lanes, result.lane)
	}
	log.Printf("lane setup complete: success=%d failed=%d", len(lanes), failures)
	return lanes
}

func (r *runner) setupSingleLane(ctx context.Context, idx int) (*lane, error) {
	ln := &lane{
		Index:    idx,
		Username: fmt.Sprintf("lane-%s-%03d", r.runID, idx),
	}

	var auth authResponse
	status, err := r.requestJSON(ctx, "register", http.MethodPost, r.cfg.CommandAPIBase+"/api/v1/auth/register", map[string]string{
		"username": ln.Username,
		"password": r.cfg.Password,
	}, "", &auth, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", ln.Username, err)
	}

	if status == http.StatusConflict {
		auth = authResponse{}
		if _, err := r.requestJSON(ctx, "login", http.MethodPost, r.cfg.CommandAPIBase+"/api/v1/auth/login", map[string]string{
			"username": ln.Username,
			"password": r.cfg.Password,
		}, "", &auth, http.StatusOK); err != nil {
			return nil, fmt.Errorf("login %s: %w", ln.Username, err)
		}
	}

	if strings.TrimSpace(auth.Token) == "" {
		return nil, fmt.Errorf("empty token for %s", ln.Username)
	}
	ln.Token = auth.Token
	return ln, nil
}

func (r *runner) runLane(ctx context.Context, ln *lane) {
	if r.cfg.RampUp > 0 && r.cfg.Lanes > 0 {
		delay := time.Duration((float64(r.cfg.RampUp) / float64(r.cfg.Lanes)) * float64(ln.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	activeLanesGauge.Inc()
	r.activeLanes.Add(1)
	defer activeLanesGauge.Dec()
	defer r.activeLanes.Add(-1)

	interval := time.Minute
	if r.cfg.OrdersPerLanePerMin > 0 {
		interval = time.Duration(float64(time.Minute) / r.cfg.OrdersPerLanePerMin)
		if interval < 250*time.Millisecond {
			interval = 250 * time.Millisecond
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(ln.Index*7)))
	initialJitter := time.Duration(rng.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOrderSession(ctx, ln, rng)
		}
	}
}

// runOrderSession drives one car through the lane: order, a few items,
// usually a name at the window, occasionally a cancel.
func (r *runner) runOrderSession(ctx context.Context, ln *lane, rng *rand.Rand) {
	menu, err := r.fetchMenu(ctx, ln)
	if err != nil || len(menu.Items) == 0 {
		ordersTotal.WithLabelValues("error").Inc()
		return
	}

	var order orderResponse
	if _, err := r.requestJSON(ctx, "start_order", http.MethodPost, r.cfg.CommandAPIBase+"/api/v1/orders",
		nil, ln.Token, &order, http.StatusCreated); err != nil {
		ordersTotal.WithLabelValues("error").Inc()
		return
	}
	if strings.TrimSpace(order.OrderID) == "" {
		ordersTotal.WithLabelValues("error").Inc()
		return
	}

	itemCount := 1 + rng.Intn(4)
	added := make([]int, 0, itemCount)
	for i := 0; i < itemCount; i++ {
		itemID := menu.Items[rng.Intn(len(menu.Items))].MenuItemID
		if _, err := r.requestJSON(ctx, "add_item", http.MethodPost,
			r.cfg.CommandAPIBase+"/api/v1/orders/"+order.OrderID+"/items",
			map[string]int{"menuitemid": itemID, "quantity": 1 + rng.Intn(3)},
			ln.Token, nil, http.StatusOK); err == nil {
			added = append(added, itemID)
		}
	}

	if len(added) > 1 && rng.Float64() < 0.25 {
		itemID := added[rng.Intn(len(added))]
		_, _ = r.requestJSON(ctx, "remove_item", http.MethodDelete,
			r.cfg.CommandAPIBase+"/api/v1/orders/"+order.OrderID+"/items",
			map[string]int{"menuitemid": itemID, "quantity": 1},
			ln.Token, nil, http.StatusOK)
	}

	if rng.Float64() < r.cfg.CancelRate {
		if _, err := r.requestJSON(ctx, "cancel_order", http.MethodPost,
			r.cfg.CommandAPIBase+"/api/v1/orders/"+order.OrderID+"/cancel",
			nil, ln.Token, nil, http.StatusOK); err != nil {
			ordersTotal.WithLabelValues("error").Inc()
			return
		}
		ordersTotal.WithLabelValues("canceled").Inc()
		return
	}

	_, _ = r.requestJSON(ctx, "set_name", http.MethodPatch,
		r.cfg.CommandAPIBase+"/api/v1/orders/"+order.OrderID+"/customer-name",
		map[string]string{"customernickname": fmt.Sprintf("Car %d", rng.Intn(10_000))},
		ln.Token, nil, http.StatusOK)

	if _, err := r.requestJSON(ctx, "order_recap", http.MethodGet,
		r.cfg.CommandAPIBase+"/api/v1/orders/"+order.OrderID,
		nil, ln.Token, nil, http.StatusOK); err != nil {
		ordersTotal.WithLabelValues("error").Inc()
		return
	}
	ordersTotal.WithLabelValues("completed").Inc()
}

func (r *runner) fetchMenu(ctx context.Context, ln *lane) (menuResponse, error) {
	var menu menuResponse
	_, err := r.requestJSON(ctx, "menu", http.MethodGet, r.cfg.CommandAPIBase+"/api/v1/menu",
		nil, ln.Token, &menu, http.StatusOK)
	return menu, err
}

func (r *runner) requestJSON(
	ctx context.Context,
	endpoint, method, requestURL string,
	payload any,
	bearerToken string,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(bearerToken) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(bearerToken))
	}

	resp, err := r.apiClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		requestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(resp.StatusCode), "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, readErr
	}

	statusText := strconv.Itoa(resp.StatusCode)
	if isExpectedStatus(resp.StatusCode, expectedStatuses) {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("progress: success_requests=%d error_requests=%d active_lanes=%d",
				r.requestsSuccess.Load(),
				r.requestsError.Load(),
				r.activeLanes.Load(),
			)
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("lane simulator metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("lane simulator metrics server failed: %v", err)
	}
}

func trimRightSlash(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "/")
}

func isExpectedStatus(status int, expected []int) bool {
	for _, candidate := range expected {
		if status == candidate {
			return true
		}
	}
	return false
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

func stringEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func floatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
