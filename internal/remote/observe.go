package remote

import (
	"context"
	"time"
)

// Observer is notified after every command or upload a Transport performs.
// Uploads are reported as a command labelled "upload" whose single step is
// ["upload", path].
type Observer func(cmd Command, res Result, err error)

type observed struct {
	Transport
	observers []Observer
}

// Observe decorates t so each operation is reported to the observers.
func Observe(t Transport, observers ...Observer) Transport {
	if len(observers) == 0 {
		return t
	}
	return &observed{Transport: t, observers: observers}
}

func (o *observed) Run(ctx context.Context, cmd Command) (Result, error) {
	start := time.Now()
	res, err := o.Transport.Run(ctx, cmd)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	o.notify(cmd, res, err)
	return res, err
}

func (o *observed) Upload(ctx context.Context, path string, data []byte) error {
	start := time.Now()
	err := o.Transport.Upload(ctx, path, data)
	res := Result{Duration: time.Since(start)}
	if err != nil {
		res.ExitCode = -1
	}
	o.notify(New("upload", path).Labeled("upload"), res, err)
	return err
}

func (o *observed) notify(cmd Command, res Result, err error) {
	for _, fn := range o.observers {
		fn(cmd, res, err)
	}
}
