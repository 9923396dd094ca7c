package metrics

import (
	"context"
	"time"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

// Collector periodically samples the certificate registry into the gauge
// metrics that can't be updated inline by the operation that changes them
// (CertificatesIssuedTotal/CertificatesRevokedTotal are counters bumped
// directly at the call site; CertificatesExpiringSoon needs a sweep).
type Collector struct {
	certs            repository.CertificateStore
	renewalWindowDay int
	stopCh           chan struct{}
}

func NewCollector(certs repository.CertificateStore, renewalWindowDays int) *Collector {
	return &Collector{
		certs:            certs,
		renewalWindowDay: renewalWindowDays,
		stopCh:           make(chan struct{}),
	}
}

// Start begins periodic collection on a 30 second interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	expiring, err := c.certs.ListExpiring(ctx, c.renewalWindowDay)
	if err != nil {
		return
	}
	CertificatesExpiringSoon.Set(float64(len(expiring)))
}
