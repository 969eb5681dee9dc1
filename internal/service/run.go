package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wipeworks/wiped/internal/model"
)

// Run submits req, follows its stream and writes a "progress <n>" line per
// progress event to w. It returns the certificate of the done event. If ctx
// ends first the job keeps running and ctx.Err() is returned.
func Run(ctx context.Context, sup *Supervisor, req model.JobRequest, w io.Writer) (model.Certificate, error) {
	rec, err := sup.Submit(ctx, req)
	if err != nil {
		return model.Certificate{}, err
	}
	stream, err := sup.Attach(ctx)
	if err != nil {
		return model.Certificate{}, fmt.Errorf("attaching to job %s: %w", rec.ID, err)
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("stream ended without a done event")
			}
			return model.Certificate{}, err
		}
		if ev.Terminal() {
			return ev.Certificate, nil
		}
		if _, err := fmt.Fprintf(w, "progress %d\n", ev.Progress); err != nil {
			return model.Certificate{}, err
		}
	}
}
