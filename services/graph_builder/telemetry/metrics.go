// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// ErrNilRegisterer is returned when InitMetrics has nowhere to register.
var ErrNilRegisterer = errors.New("telemetry: nil prometheus registerer")

// InitMetrics installs the global meter provider, exporting through reg.
//
// Description:
//
//	OpenTelemetry instruments, such as the ones created by the otelgin and
//	otelhttp instrumentation, are collected by a Prometheus exporter that
//	registers itself on reg. They then show up next to the native
//	Prometheus metrics on the status server.
//
//	Instrumentation picks up the global provider when it is constructed,
//	so call this before building routers and HTTP clients.
//
// Inputs:
//
//	ctx - Context for resource detection.
//	cfg - Supplies the service name and version of the resource.
//	reg - Registry served by the status server.
//
// Outputs:
//
//	shutdown - Stops the provider.
//	error - ErrNilContext, ErrNilRegisterer, or an exporter setup error.
func InitMetrics(ctx context.Context, cfg Config, reg prometheus.Registerer) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if reg == nil {
		return nil, ErrNilRegisterer
	}

	exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
