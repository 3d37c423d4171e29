package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/api"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/helper"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/mqtt"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/postgresql"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/state"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/worker"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

func main() {
	helper.InitLogging()
	InitPrometheus()
	_ = postgresql.GetOrInit()
	_ = mqtt.GetOrInit()
	_ = state.GetOrInit()
	InitHealthCheck()
	_ = worker.GetOrInit()

	apiPort, err := env.GetAsString("API_PORT", false, "8000")
	if err != nil {
		zap.S().Fatalf("Failed to get API_PORT from env: %s", err)
	}
	handler := api.NewHandler(mqtt.GetOrInit(), state.GetOrInit(), postgresql.GetOrInit())
	go api.SetupRestAPI(handler, apiPort)

	awaitShutdown()
}

func awaitShutdown() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigs
	zap.S().Infof("Received SIG %v", sig)

	zap.S().Debugf("Disconnecting from MQTT broker")
	mqtt.GetOrInit().Close()
	zap.S().Debugf("Closing database pool")
	postgresql.GetOrInit().Db.Close()
	os.Exit(0)
}

func InitPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck() {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))

	health.AddReadinessCheck("database", postgresql.GetHealthCheck())
	health.AddLivenessCheck("database", postgresql.GetHealthCheck())
	health.AddReadinessCheck("mqtt", mqtt.GetReadinessCheck())
	health.AddLivenessCheck("mqtt", mqtt.GetLivenessCheck())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
