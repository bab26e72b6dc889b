package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

const namespace = "payroll"

// Collector groups a process can opt into.
const (
	ServicePayroll = "payroll"
	ServiceBatch   = "batch"
	ServiceWorker  = "worker"
	ServiceHTTP    = "http"
)

func serviceCollectors(service string) []prometheus.Collector {
	switch service {
	case ServicePayroll:
		return []prometheus.Collector{
			payrollExecutionsTotal,
			payrollSettlementDuration,
			payrollPaidTotal,
			payrollSweepDuration,
			payrollSweepFailures,
			payrollDueSchedules,
			payrollExpiredActions,
		}
	case ServiceBatch:
		return []prometheus.Collector{batchSubmittedTotal, batchItemsTotal, batchFinishedTotal}
	case ServiceWorker:
		return []prometheus.Collector{taskRunsTotal, taskDuration, taskRunning, taskLastFinished}
	case ServiceHTTP:
		return []prometheus.Collector{apiRequestsTotal, apiRequestDuration, apiInFlight, apiRejectedTotal}
	}
	return nil
}

// RegisterMetrics adds the runtime collectors plus those of every named
// service to registry. Registering a collector twice is not an error.
func RegisterMetrics(services []string, registry *prometheus.Registry, logger *logrus.Logger) {
	log := logger.WithField("pkg", "metrics.RegisterMetrics")
	register := func(c prometheus.Collector) {
		err := registry.Register(c)
		var already prometheus.AlreadyRegisteredError
		if err != nil && !errors.As(err, &already) {
			log.WithError(err).Error("failed to register collector")
		}
	}

	register(collectors.NewGoCollector())
	register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for _, service := range services {
		cs := serviceCollectors(service)
		if cs == nil {
			log.Warnf("unknown metrics service %q", service)
			continue
		}
		for _, c := range cs {
			register(c)
		}
	}
}
