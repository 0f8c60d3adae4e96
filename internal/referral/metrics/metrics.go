package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the referral domain.
type Metrics struct {
	CodesReserved     prometheus.Counter
	ReserveCollisions prometheus.Counter
	ReferralsApplied  prometheus.Counter
	Rejections        *prometheus.CounterVec
	AuditorRepairs    *prometheus.CounterVec
	AuditorScanned    prometheus.Counter
}

// New creates and registers the referral metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on the given registerer; tests pass a fresh
// registry to avoid duplicate-registration panics.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CodesReserved: factory.NewCounter(prometheus.CounterOpts{
			Name: "tally_codes_reserved_total",
			Help: "Total referral codes successfully reserved.",
		}),
		ReserveCollisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "tally_reserve_collisions_total",
			Help: "Candidate codes rejected because the code string was taken.",
		}),
		ReferralsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "tally_referrals_applied_total",
			Help: "Referral codes successfully applied (new edges).",
		}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_referral_rejections_total",
			Help: "Apply calls rejected, by reason.",
		}, []string{"reason"}),
		AuditorRepairs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_auditor_repairs_total",
			Help: "Consistency repairs performed, by discrepancy kind.",
		}, []string{"kind"}),
		AuditorScanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "tally_auditor_users_scanned_total",
			Help: "Users scanned by consistency runs.",
		}),
	}
}
