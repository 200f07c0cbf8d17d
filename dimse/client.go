// Package dimse wraps the blocking go-netdicom service user behind a
// bounded pool with context timeouts, exposing the C-FIND, C-GET and
// C-MOVE dialogues Clarinet needs against its configured PACS peer.
package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/giesekow/go-netdicom"
	"github.com/giesekow/go-netdicom/sopclass"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/config"
)

// maxStorageContexts bounds the number of Storage presentation contexts
// offered on C-GET associations. One association carries at most 128
// contexts; two are taken by the Q/R classes.
const maxStorageContexts = 126

// Client talks DIMSE to one PACS peer. Associations are short-lived, one
// per operation; the semaphore bounds how many run at once so a burst of
// DICOMweb requests cannot exhaust the peer.
type Client struct {
	cfg config.PACSConfig
	sem *semaphore.Weighted
}

// NewClient builds a client for the configured peer.
func NewClient(cfg config.PACSConfig) *Client {
	concurrent := cfg.MaxConcurrent
	if concurrent <= 0 {
		concurrent = 4
	}
	return &Client{cfg: cfg, sem: semaphore.NewWeighted(int64(concurrent))}
}

// getServices is the context list for retrieve associations: the Q/R Get
// classes plus storage classes negotiated with the SCP role so the peer
// can push instances back on the same association.
func getServices() []string {
	services := append([]string{}, sopclass.QRGetClasses...)
	storage := sopclass.StorageClasses
	if len(storage) > maxStorageContexts {
		storage = storage[:maxStorageContexts]
	}
	return append(services, storage...)
}

// dialogue runs one association dialogue on the off-load pool. It dials
// the peer itself so connection failures surface as ErrAssociation
// before any DIMSE traffic, hands the connection to a fresh service user
// and releases the association when op returns. The context deadline
// covers the whole dialogue including the queue wait.
func (c *Client) dialogue(ctx context.Context, timeout time.Duration, services []string, op func(su *netdicom.ServiceUser) error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for association slot: %w", common.ErrTimeout)
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	su, err := netdicom.NewServiceUser(netdicom.ServiceUserParams{
		CalledAETitle:  c.cfg.AET,
		CallingAETitle: c.cfg.CallingAET,
		SOPClasses:     services,
	})
	if err != nil {
		return fmt.Errorf("failed to build association params: %w", err)
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		return fmt.Errorf("pacs %s unreachable: %v: %w", c.cfg.Addr(), err, common.ErrAssociation)
	}

	su.SetConn(conn)

	done := make(chan error, 1)
	go func() {
		err := op(su)
		su.Release()
		done <- err
	}()

	select {
	case <-ctx.Done():
		// Closing the connection unblocks the library's reader; the
		// dialogue goroutine then fails fast and the slot is freed.
		conn.Close()
		<-done
		return fmt.Errorf("pacs dialogue with %s: %w", c.cfg.Addr(), common.ErrTimeout)
	case err := <-done:
		conn.Close()
		return err
	}
}

// withRetry reattempts a dialogue on association failures only. Other
// errors, including DIMSE status errors, are final.
func (c *Client) withRetry(ctx context.Context, retries int, run func() error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			common.Logger.WithFields(logrus.Fields{
				"peer":    c.cfg.Addr(),
				"attempt": attempt,
			}).Warn("retrying pacs association")
		}
		err = run()
		if err == nil || !isAssociationError(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func isAssociationError(err error) bool {
	return errors.Is(err, common.ErrAssociation)
}
