package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/matchclock/go/internal/config"
	"github.com/mcdev12/matchclock/go/internal/match/gateway"
)

const (
	serviceName    = "matchclock"
	serviceVersion = "1.0.0"
)

type infoResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
	gateway.ServiceStats
}

func setupServer(cfg *config.Config, service *gateway.Service) *http.Server {
	mux := http.NewServeMux()

	// Viewers and feed publishers connect from anywhere
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	// Register match clock routes (WebSocket and REST)
	service.RegisterRoutes(mux)

	setupHealthCheck(mux)
	setupInfo(mux, service)

	handler := c.Handler(mux)

	return &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:     h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout: cfg.Server.ReadTimeout,
		// Websocket upgrades clear the write deadline themselves
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

func setupInfo(mux *http.ServeMux, service *gateway.Service) {
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := infoResponse{
			Service:      serviceName,
			Version:      serviceVersion,
			ServiceStats: service.GetStats(),
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error().Err(err).Msg("failed to encode info response")
		}
	})
}
