package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/parsec-cloud/parsec-sync/internal/backend"
	"github.com/parsec-cloud/parsec-sync/internal/blockstore"
	"github.com/parsec-cloud/parsec-sync/internal/crypto"
	"github.com/parsec-cloud/parsec-sync/internal/events"
	"github.com/parsec-cloud/parsec-sync/internal/fsfacade"
	"github.com/parsec-cloud/parsec-sync/internal/manifest"
	"github.com/parsec-cloud/parsec-sync/internal/model"
	"github.com/parsec-cloud/parsec-sync/internal/openfile"
	"github.com/parsec-cloud/parsec-sync/internal/syncer"
)

func mountCmd(logger *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount <workspace> <path>",
		Short: "bootstrap a mountpoint and drive it until interrupted",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runMount(cmd, logger, args[0], args[1]))
		},
	}
	return cmd
}

// runMount wires C1-C9 together behind the FS facade and blocks until the
// mountpoint is torn down, returning one of the documented exit codes.
func runMount(cmd *cobra.Command, logger *logrus.Logger, workspace, path string) int {
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		logger.WithError(err).Error("parsec: config load failed")
		return exitConfigError
	}

	sessionID := uuid.New()
	log := logger.WithFields(logrus.Fields{"session": sessionID.String(), "workspace": workspace, "path": path})

	deviceID := model.DeviceID(fmt.Sprintf("device-%s", sessionID.String()[:8]))
	signing, err := crypto.NewSigningKey(deviceID)
	if err != nil {
		log.WithError(err).Error("parsec: failed to generate device signing key")
		return exitConfigError
	}
	devices := crypto.NewDeviceDirectory()
	devices.Register(signing.VerifyKey())

	transport := newHTTPTransport(cfg.Backend.Endpoint, time.Duration(cfg.Backend.TimeoutMS)*time.Millisecond)
	client := backend.New(transport, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Backend.TimeoutMS)*time.Millisecond)
	_, err = client.Ping(ctx, sessionID.String())
	cancel()
	if err != nil {
		log.WithError(err).Error("parsec: backend unreachable at start")
		return exitBackendUnreachable
	}

	root := model.NewEntryID()
	manifests := manifest.New(manifest.NewMemKV(), root)
	blocks, err := blockstore.New(blockstore.Config{
		CacheDir:         cfg.Cache.Dir,
		CacheSizeEntries: cfg.Cache.MaxEntries,
	}, logger)
	if err != nil {
		log.WithError(err).Error("parsec: failed to open block cache")
		return exitMountDriverCrash
	}
	openFiles := openfile.NewTable()
	bus := events.New(logger)

	syncEngine := syncer.New(syncer.Deps{
		Manifests: manifests,
		OpenFiles: openFiles,
		Blocks:    blocks,
		Backend:   client,
		Events:    bus,
		Signing:   signing,
		Devices:   devices,
		Tracker:   crypto.NewTimestampTracker(),
		Logger:    logger,
		BlockSize: cfg.Mount.BlockSize,
		Device:    deviceID,
	})
	_ = syncEngine // driven by the mount adapter's background loop, out of scope here

	facade := fsfacade.New(fsfacade.Deps{
		Manifests: manifests,
		OpenFiles: openFiles,
		Blocks:    blocks,
		Backend:   client,
		Device:    deviceID,
		BlockSize: cfg.Mount.BlockSize,
		Logger:    logger,
	})
	_ = facade // the FUSE/Dokan adapter that calls into it is out of scope per spec.md §1

	bus.MountpointStarting(path)
	bus.MountpointStarted(path)
	log.Info("parsec: mountpoint ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	bus.MountpointStopped(path)
	log.Info("parsec: mountpoint stopped")
	return exitClean
}

// httpTransport is the CLI's concrete backend.Transport: a length-framed
// protocol is out of scope per spec.md §1, so this simply POSTs a
// {method, params} envelope and decodes {result, error_code}.
type httpTransport struct {
	endpoint string
	client   *http.Client
}

func newHTTPTransport(endpoint string, timeout time.Duration) *httpTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpTransport{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type wireRequest struct {
	Method backend.Method `json:"method"`
	Params any            `json:"params"`
}

type wireResponse struct {
	Result    json.RawMessage `json:"result"`
	ErrorCode string          `json:"error_code"`
}

func (t *httpTransport) Send(ctx context.Context, req backend.Request) (backend.Response, error) {
	body, err := json.Marshal(wireRequest{Method: req.Method, Params: req.Params})
	if err != nil {
		return backend.Response{}, fmt.Errorf("parsec: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return backend.Response{}, fmt.Errorf("parsec: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return backend.Response{}, fmt.Errorf("parsec: transport: %w", err)
	}
	defer resp.Body.Close()

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return backend.Response{}, fmt.Errorf("parsec: decode response: %w", err)
	}
	if wire.ErrorCode != "" || len(wire.Result) == 0 {
		return backend.Response{ErrorCode: wire.ErrorCode}, nil
	}

	result, err := decodeResult(req.Method, wire.Result)
	if err != nil {
		return backend.Response{}, err
	}
	return backend.Response{Result: result}, nil
}

// decodeResult unmarshals the raw result payload into the concrete Go type
// backend.Client expects back from call() for each method — the client
// type-asserts the result rather than decoding JSON itself, so the
// transport is responsible for bridging wire bytes to that shape.
func decodeResult(method backend.Method, raw json.RawMessage) (any, error) {
	var target any
	switch method {
	case backend.MethodVlobRead:
		target = &backend.VlobReadResult{}
	case backend.MethodVlobGroupCheck:
		target = &[]backend.VlobChanged{}
	case backend.MethodBlockRead:
		target = &[]byte{}
	case backend.MethodEventsListen:
		target = &backend.EventPayload{}
	case backend.MethodPing:
		target = new(string)
	default:
		return nil, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("parsec: decode %s result: %w", method, err)
	}
	switch v := target.(type) {
	case *backend.VlobReadResult:
		return *v, nil
	case *[]backend.VlobChanged:
		return *v, nil
	case *[]byte:
		return *v, nil
	case *backend.EventPayload:
		return *v, nil
	case *string:
		return *v, nil
	default:
		return nil, nil
	}
}
