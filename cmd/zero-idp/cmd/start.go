package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gematik/zero-idp/pkg/idpserver"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	keyAddress         = "address"
	keyShutdownTimeout = "shutdown_timeout"
)

func init() {
	flags := startCmd.Flags()
	flags.String("address", "", "listen address, overrides the address of the config file")
	flags.Duration("shutdown-timeout", 10*time.Second, "time to finish running requests on shutdown")
	viper.BindPFlag(keyAddress, flags.Lookup("address"))
	viper.BindPFlag(keyShutdownTimeout, flags.Lookup("shutdown-timeout"))

	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the identity provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, err := configFilePath()
		if err != nil {
			return err
		}
		config, err := idpserver.LoadConfigFile(configFile)
		if err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
		if address := viper.GetString(keyAddress); address != "" {
			config.Address = address
		}

		server, err := idpserver.New(config)
		if err != nil {
			return fmt.Errorf("create identity provider: %w", err)
		}
		defer server.Close()

		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		e.Use(middleware.Recover())
		server.MountRoutes(e.Group(""))

		for _, route := range e.Routes() {
			slog.Debug("Route", "method", route.Method, "path", route.Path)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errs := make(chan error, 1)
		go func() {
			slog.Info("Starting identity provider", "version", idpserver.Version, "config_file", configFile, "issuer", config.Issuer, "address", server.Address)
			errs <- e.Start(server.Address)
		}()

		select {
		case err := <-errs:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		slog.Info("Shutting down identity provider")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration(keyShutdownTimeout))
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}
