package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/guseggert/rbridge/agent/invoke"
	"github.com/guseggert/rbridge/bridge"
	"github.com/guseggert/rbridge/executor"
)

// BridgeConfig describes the bridge an agent serves. InitScript optionally
// names a script uploaded to the agent's script dir; "<name>.R" is loaded as
// the bridge's init code when the bridge starts.
type BridgeConfig struct {
	Executable string
	Libraries  []string
	Function   string
	InitScript string
}

// BridgeAgent is an HTTPS agent that serves one R function bridge on a host
// with an R install. The agent requires mTLS for both traffic encryption and
// authz.
//
// The bridge is built and prepared lazily on the first call, so init scripts
// can be uploaded to the running agent beforehand. A bridge that fails to
// start stays failed; every subsequent call reports the same fatal error.
type BridgeAgent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	bridgeConfig BridgeConfig
	scriptsDir   string

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	httpServer   *http.Server
	invokeServer *invoke.Server

	bridgeMut sync.Mutex
	bridge    *bridge.Bridge
	bridgeErr error

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *BridgeAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *BridgeAgent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *BridgeAgent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *BridgeAgent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *BridgeAgent) {
		a.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *BridgeAgent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithScriptsDir sets the directory that uploaded R scripts are stored in.
func WithScriptsDir(dir string) Option {
	return func(a *BridgeAgent) {
		a.scriptsDir = dir
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// NewBridgeAgent constructs a new bridge agent serving the configured R
// function.
func NewBridgeAgent(cfg BridgeConfig, caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*BridgeAgent, error) {
	if cfg.Function == "" {
		return nil, errors.New("bridge config names no function")
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &BridgeAgent{
		logger:           logger.Named("bridgeagent").Sugar(),
		bridgeConfig:     cfg,
		scriptsDir:       os.TempDir(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.invokeServer = &invoke.Server{
		Log: a.logger.Named("invoke_server"),
		Fn:  a.function,
	}
	return a, nil
}

// function builds and prepares the bridge on first use. A fatal preparation
// error is cached so later calls fail fast, matching the bridge's own
// poisoning behavior.
func (a *BridgeAgent) function(ctx context.Context) (executor.Function, error) {
	a.bridgeMut.Lock()
	defer a.bridgeMut.Unlock()

	if a.bridgeErr != nil {
		return nil, a.bridgeErr
	}
	if a.bridge != nil {
		return a.bridge, nil
	}

	cfg := bridge.Config{
		Executable: a.bridgeConfig.Executable,
		Libraries:  a.bridgeConfig.Libraries,
		Function:   a.bridgeConfig.Function,
	}
	if a.bridgeConfig.InitScript != "" {
		b, err := os.ReadFile(a.scriptPath(a.bridgeConfig.InitScript))
		if err != nil {
			a.bridgeErr = fmt.Errorf("loading init script: %w", err)
			return nil, a.bridgeErr
		}
		cfg.InitCode = string(b)
	}

	br, err := bridge.New(cfg, bridge.WithLogger(a.logger.Desugar()))
	if err != nil {
		a.bridgeErr = err
		return nil, err
	}
	if err := br.Prepare(ctx); err != nil {
		a.bridgeErr = err
		br.Cleanup()
		return nil, err
	}
	a.bridge = br
	return br, nil
}

// startHeartbeatCheck starts a goroutine that checks for a heartbeat timeout and shuts down the agent when a timeout occurs.
func (a *BridgeAgent) startHeartbeatCheck() {
	go func() {
		a.heartbeatMut.Lock()
		a.lastHeartbeat = time.Now()
		a.heartbeatMut.Unlock()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (a *BridgeAgent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		return fmt.Errorf("building server TLS config: %w", err)
	}

	tlsListener := tls.NewListener(tcpListener, tlsConfig)

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/invoke", a.invokeWS)
	router.POST("/invoke", a.invokeOnce)
	router.POST("/scripts/:name", a.postScript)
	router.GET("/scripts/:name", a.readScript)

	server := http.Server{Handler: router}
	a.httpServer = &server

	err = server.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Run runs the bridge agent and returns once the agent has stopped.
func (a *BridgeAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

func (a *BridgeAgent) scriptPath(name string) string {
	// file name only, so uploads cannot escape the scripts dir
	return filepath.Join(a.scriptsDir, filepath.Base(name)+".R")
}

func (a *BridgeAgent) postScript(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")

	if err := os.MkdirAll(a.scriptsDir, 0o777); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	f, err := os.Create(a.scriptPath(name))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if _, err := io.Copy(f, r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (a *BridgeAgent) readScript(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	f, err := os.Open(a.scriptPath(params.ByName("name")))
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "no such script", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		a.logger.Debugf("error sending script response: %s", err)
	}
}

func (a *BridgeAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (a *BridgeAgent) invokeWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.invokeServer.ServeHTTP(w, r)
}

type PostInvokeRequest struct {
	Input []interface{}
}

type PostInvokeResponse struct {
	Values   []interface{}
	NoResult bool
}

// invokeOnce is a simple one-shot call endpoint which takes the input values
// in the request body and sends the result in the response. This is much
// easier to curl and write simple clients against than the WebSocket
// endpoint.
func (a *BridgeAgent) invokeOnce(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req PostInvokeRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fn, err := a.function(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	vals, err := fn.Invoke(r.Context(), req.Input)
	if err != nil {
		if bridge.IsFatal(err) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	resp := PostInvokeResponse{Values: vals, NoResult: vals == nil}
	b, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(b)
}

func (a *BridgeAgent) Stop() error {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.bridgeMut.Lock()
		if a.bridge != nil {
			a.bridge.Cleanup()
		}
		a.bridgeMut.Unlock()
	})
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}
