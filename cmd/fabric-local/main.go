// Fabric-local is the local JSON front: line-delimited {id, name,
// arguments} requests on stdin, line-delimited response envelopes on
// stdout. The caller is local by definition, so no credentials are
// required; logs go to stderr to keep stdout machine-readable.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aetherpro/fabric/internal/auth"
	"github.com/aetherpro/fabric/internal/fabric"
	"github.com/aetherpro/fabric/internal/trace"
	"github.com/aetherpro/fabric/pkg/server"
)

const maxLineBytes = 8 << 20

type lineRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type lineResponse struct {
	ID string `json:"id,omitempty"`
	*fabric.Response
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize gateway")
	}
	defer srv.ShutdownFunc(ctx)

	verifier := auth.NewVerifier("")
	local, _ := verifier.Verify(auth.Credential{Local: true})

	log.Info().Msg("fabric local front ready")

	enc := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req lineRequest
		if err := json.Unmarshal(line, &req); err != nil || req.Name == "" {
			enc.Encode(lineResponse{
				ID:       req.ID,
				Response: fabric.FailResponse(trace.New(), fabric.E(fabric.ErrBadInput, "each line must be a JSON object with a call name")),
			})
			continue
		}

		resp := srv.Pipeline.Handle(ctx, &fabric.Request{Name: req.Name, Arguments: req.Arguments}, local)
		if err := enc.Encode(lineResponse{ID: req.ID, Response: resp}); err != nil {
			log.Error().Err(err).Msg("stdout write failed")
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("stdin read failed")
	}
}
