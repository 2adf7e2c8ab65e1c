// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Zeecka/AperiSolve/services/analysis/config"
	"github.com/Zeecka/AperiSolve/services/analysis/telemetry"
)

// shutdownGrace bounds the drain of in-flight requests on shutdown.
const shutdownGrace = 10 * time.Second

// serviceName labels spans emitted by the HTTP layer.
const serviceName = "aperisolve-web"

// NewRouter assembles the gin engine: middleware stack, API routes and the
// operational endpoints.
func NewRouter(cfg config.Config, h *Handlers, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger(logger))
	router.Use(otelgin.Middleware(serviceName))

	router.POST("/upload",
		BodyLimit(cfg.MaxContentLength),
		UploadRateLimit(cfg.UploadRate, cfg.UploadBurst),
		h.HandleUpload)

	router.GET("/status/:hash", h.HandleStatus)
	router.GET("/infos/:hash", h.HandleInfos)
	router.GET("/result/:hash", h.HandleResult)
	router.GET("/download/:hash/:tool", h.HandleDownload)
	// gin requires the same param name at a shared position, so both image
	// routes key their first segment as :name.
	router.GET("/image/:name", h.HandleImageBlob)
	router.GET("/image/:name/:file", h.HandleDerivedImage)

	router.POST("/remove/:hash", h.HandleRemove)
	router.POST("/remove_password/:hash", h.HandleRemovePassword)

	router.GET("/healthz", h.HandleHealthz)
	if mh := telemetry.MetricsHandler(); mh != nil {
		router.GET("/metrics", gin.WrapH(mh))
	}

	return router
}

// Serve runs the HTTP server until the context is cancelled, then drains
// in-flight requests.
func Serve(ctx context.Context, addr string, router *gin.Engine, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("web service listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
