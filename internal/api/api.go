// Package api serves the operator HTTP API: Discord OAuth2 login, account
// lookups, guild policies and ledger maintenance.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/susu3304/pointsbot/internal/authz"
	"github.com/susu3304/pointsbot/internal/config"
	"github.com/susu3304/pointsbot/internal/ledger"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const discordAPIURL = "https://discord.com/api"

// Persister is the part of the sync adapter the API drives.
type Persister interface {
	Resync(ctx context.Context) error
	Revision() string
	Ephemeral() bool
}

type API struct {
	router      *mux.Router
	server      *http.Server
	ledger      *ledger.Store
	sync        Persister
	gate        authz.Gate
	config      *config.Config
	oauthConfig *oauth2.Config
	jwtSecret   []byte
	discordURL  string
	httpClient  *http.Client
	logger      *zap.Logger
}

func New(cfg *config.Config, l *ledger.Store, sync Persister, gate authz.Gate, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &API{
		router:     mux.NewRouter(),
		ledger:     l,
		sync:       sync,
		gate:       gate,
		config:     cfg,
		jwtSecret:  []byte(cfg.JWTSecret),
		discordURL: discordAPIURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.DiscordClientID,
			ClientSecret: cfg.DiscordClientSecret,
			RedirectURL:  cfg.DiscordRedirectURI,
			Scopes:       []string{"identify", "guilds"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://discord.com/api/oauth2/authorize",
				TokenURL: "https://discord.com/api/oauth2/token",
			},
		},
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	// Auth endpoints
	a.router.HandleFunc("/api/auth/login", a.handleLogin).Methods("GET")
	a.router.HandleFunc("/api/auth/callback", a.handleCallback).Methods("GET")
	a.router.HandleFunc("/api/auth/logout", a.handleLogout).Methods("POST")

	// Public endpoints
	a.router.HandleFunc("/api/public/accounts/{user_id}", a.handlePublicAccount).Methods("GET")

	// Protected endpoints
	protected := a.router.PathPrefix("/api").Subrouter()
	protected.Use(a.authMiddleware)

	protected.HandleFunc("/me/account", a.handleMyAccount).Methods("GET")
	protected.HandleFunc("/me/guilds", a.handleUserGuilds).Methods("GET")
	protected.HandleFunc("/guilds/{guild_id}/policy", a.handleGuildPolicy).Methods("GET")

	owner := protected.PathPrefix("/ledger").Subrouter()
	owner.Use(a.ownerMiddleware)
	owner.HandleFunc("/status", a.handleLedgerStatus).Methods("GET")
	owner.HandleFunc("/resync", a.handleResync).Methods("POST")
}

// Handler returns the router wrapped in the CORS policy.
func (a *API) Handler() http.Handler {
	// When AllowedOrigins is "*", AllowCredentials must be false
	corsOptions := cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}
	return cors.New(corsOptions).Handler(a.router)
}

// Start serves until Shutdown is called.
func (a *API) Start() error {
	a.server = &http.Server{
		Addr:              a.config.WebBind,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("API server listening", zap.String("addr", a.config.WebBind))
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}
