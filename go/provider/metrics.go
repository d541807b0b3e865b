package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fetchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "refdata_fetch_total",
	Help: "counter of upstream dataset fetch attempts by provider and status",
}, []string{"provider", "status"})

var buildCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "refdata_build_total",
	Help: "counter of database build attempts by provider and status",
}, []string{"provider", "status"})
