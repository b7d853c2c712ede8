package handlers

import (
	"context"
	"fmt"

	"github.com/kestrelops/opqueue/internal/interfaces"
	"github.com/kestrelops/opqueue/internal/models"
	"github.com/kestrelops/opqueue/internal/opqerrors"
)

// classify turns a driver-layer error into the taxonomy the Processor
// expects. Every ERPDriver failure is treated as transient: automation
// sessions drop and ERP web UIs time out for reasons unrelated to the
// payload, so the default is to retry rather than discard the job.
func classify(err error) error {
	if err == nil {
		return nil
	}
	return &opqerrors.TransientHandlerFailure{Cause: err}
}

func probeCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &opqerrors.Cancelled{}
	}
	return nil
}

// SubmitOrderHandler pushes job.Payload to the ERP as a new order.
func SubmitOrderHandler(driver interfaces.ERPDriver) interfaces.Handler {
	return func(ctx context.Context, job *models.Job, progress interfaces.ProgressReporter) error {
		progress("login", 10, "authenticating automation session")
		if err := driver.Login(ctx, job.UserID); err != nil {
			return classify(err)
		}
		if err := probeCancel(ctx); err != nil {
			return err
		}

		progress("submit", 60, "submitting order")
		confirmationID, err := driver.SubmitOrder(ctx, job.UserID, job.Payload)
		if err != nil {
			return classify(err)
		}
		progress("done", 100, fmt.Sprintf("confirmed %s", confirmationID))
		return nil
	}
}

// CreateCustomerHandler pushes job.Payload as a new ERP customer record.
func CreateCustomerHandler(driver interfaces.ERPDriver) interfaces.Handler {
	return func(ctx context.Context, job *models.Job, progress interfaces.ProgressReporter) error {
		progress("login", 10, "authenticating automation session")
		if err := driver.Login(ctx, job.UserID); err != nil {
			return classify(err)
		}
		if err := probeCancel(ctx); err != nil {
			return err
		}

		progress("submit", 60, "creating customer")
		confirmationID, err := driver.CreateCustomer(ctx, job.UserID, job.Payload)
		if err != nil {
			return classify(err)
		}
		progress("done", 100, fmt.Sprintf("confirmed %s", confirmationID))
		return nil
	}
}

// SendToRemoteHandler forwards job.Payload through the ERP's inter-branch
// transfer endpoint.
func SendToRemoteHandler(driver interfaces.ERPDriver) interfaces.Handler {
	return func(ctx context.Context, job *models.Job, progress interfaces.ProgressReporter) error {
		progress("login", 10, "authenticating automation session")
		if err := driver.Login(ctx, job.UserID); err != nil {
			return classify(err)
		}
		if err := probeCancel(ctx); err != nil {
			return err
		}

		progress("send", 60, "forwarding to remote branch")
		confirmationID, err := driver.SendToRemote(ctx, job.UserID, job.Payload)
		if err != nil {
			return classify(err)
		}
		progress("done", 100, fmt.Sprintf("confirmed %s", confirmationID))
		return nil
	}
}

// DownloadPDFHandler fetches the named document kind and reports its size
// as progress; the bytes are not stored or parsed. kind is one of "orders", "customers",
// "products", "prices", "ddt", "invoices".
func DownloadPDFHandler(driver interfaces.ERPDriver, kind string) interfaces.Handler {
	return func(ctx context.Context, job *models.Job, progress interfaces.ProgressReporter) error {
		progress("login", 10, "authenticating automation session")
		if err := driver.Login(ctx, job.UserID); err != nil {
			return classify(err)
		}
		if err := probeCancel(ctx); err != nil {
			return err
		}

		progress("download", 50, fmt.Sprintf("downloading %s PDF", kind))
		data, err := driver.DownloadPDF(ctx, job.UserID, kind)
		if err != nil {
			return classify(err)
		}
		progress("done", 100, fmt.Sprintf("downloaded %d bytes", len(data)))
		return nil
	}
}

// SyncHandler pulls the server-side snapshot for kind and upserts it into
// the BusinessStore. kind is one of "orders", "customers", "products",
// "prices", "ddt", "invoices".
func SyncHandler(driver interfaces.ERPDriver, store interfaces.BusinessStore, kind string) interfaces.Handler {
	return func(ctx context.Context, job *models.Job, progress interfaces.ProgressReporter) error {
		progress("login", 5, "authenticating automation session")
		if err := driver.Login(ctx, job.UserID); err != nil {
			return classify(err)
		}
		if err := probeCancel(ctx); err != nil {
			return err
		}

		progress("fetch", 40, fmt.Sprintf("pulling %s snapshot", kind))
		data, err := driver.SyncSnapshot(ctx, job.UserID, kind)
		if err != nil {
			return classify(err)
		}
		if err := probeCancel(ctx); err != nil {
			return err
		}

		progress("upsert", 80, fmt.Sprintf("writing %s rows", kind))
		rows, err := store.Upsert(ctx, job.UserID, kind, data)
		if err != nil {
			return &opqerrors.PermanentHandlerFailure{Cause: err}
		}
		progress("done", 100, fmt.Sprintf("upserted %d rows", rows))
		return nil
	}
}
