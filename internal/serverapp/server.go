package serverapp

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/fr3shw3b/realtime-client/internal/applog"
	"github.com/fr3shw3b/realtime-client/pkg/config"
	"github.com/fr3shw3b/realtime-client/pkg/server"
	"github.com/fr3shw3b/realtime-client/pkg/sessions"
	"github.com/gorilla/mux"

	"github.com/joho/godotenv"
)

func Run(port int) error {
	err := godotenv.Load(".env.server")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal("Failed to load environment variables: ", err)
	}

	conf, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration for server: ", err)
	}

	logger := applog.New(conf.LogLevel)

	router := mux.NewRouter()
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		ReadTimeout:       1 * time.Second,
		WriteTimeout:      1 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		Handler:           router,
	}

	store := sessions.NewInMemoryStore(
		&sessions.InMemoryStoreParams{
			ExpireAfterIdleTime: conf.ConnectionStateTTL,
		},
		logger,
	)

	srv := server.NewDefaultServer(
		&server.ServerParams{
			ConnectionStateTTL: conf.ConnectionStateTTL,
			SyncPageSize:       conf.SyncPageSize,
			Keys:               conf.Keys,
			TokenSecret:        []byte(conf.TokenSecret),
			ServerID:           conf.ServerID,
		},
		store,
		logger,
	)
	srv.RegisterRoutes(router)

	stop := make(chan struct{})
	defer close(stop)
	srv.Start(conf.SessionSweepInterval, stop)

	logger.Infof("Server listening on port %d ...", port)
	return httpSrv.ListenAndServe()
}
