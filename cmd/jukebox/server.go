package main

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"jukebox/internal/app/playback"
	"jukebox/internal/app/requests"
	"jukebox/internal/httpapi"
	"jukebox/internal/player"
	"jukebox/internal/store"
)

func newHTTPHandler(
	cfg Config,
	dataStore *store.Store,
	requestSvc *requests.Service,
	engine *playback.Engine,
	playerClient *player.Client,
	logger zerolog.Logger,
) http.Handler {
	auth := httpapi.NewAuthenticator(httpapi.AuthConfig{
		Username:     cfg.AdminUsername,
		PasswordHash: cfg.AdminPasswordHash,
		JWTSecret:    cfg.JWTSecret,
		TokenTTL:     cfg.TokenTTL,
	})

	api := httpapi.New(dataStore, dataStore, dataStore, requestSvc, engine, playerClient, auth, logger)

	handler := httpapi.Recovery()(api.Routes())
	handler = httpapi.RequestLogging()(handler)
	return withCORS(cfg.AllowedOrigins, handler)
}

func withCORS(allowedOrigins []string, next http.Handler) http.Handler {
	originAllowed := func(origin string) bool {
		if len(allowedOrigins) == 0 || origin == "" {
			return false
		}
		for _, o := range allowedOrigins {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
