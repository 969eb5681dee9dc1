package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wipeworks/wiped/internal/log"
	"github.com/wipeworks/wiped/internal/model"
	"github.com/wipeworks/wiped/internal/progress"
)

// Store persists job state, internal/store implements it on top of sqlite.
type Store interface {
	CreateJob(ctx context.Context, rec model.JobRecord) error
	UpdateJob(ctx context.Context, rec model.JobRecord) error
	SaveProgress(ctx context.Context, rec model.JobRecord) error
	CurrentJob(ctx context.Context) (model.JobRecord, error)
	DeleteJob(ctx context.Context, jobID string) error
	SaveCertificate(ctx context.Context, kind model.JobKind, cert model.Certificate) error
	Certificate(ctx context.Context, kind model.JobKind) (model.Certificate, error)
}

type Supervisor struct {
	jobs      model.Jobs
	store     Store
	logDir    string
	uploaders []model.Uploader
	owner     string
	now       func() time.Time

	mx      sync.Mutex
	current *job
	wg      sync.WaitGroup
}

// job is the live state of the single job. Its fields are guarded by
// Supervisor.mx, except log which only the stdout goroutine touches.
type job struct {
	// ctx outlives the request which submitted the job and carries its log
	// attributes
	ctx     context.Context
	cfg     model.JobConfig
	record  model.JobRecord
	request model.JobRequest
	stream  *Stream
	payload []byte
	// final holds the last events for a subscriber attaching after the end
	final []model.Event
	log   *os.File
}

func NewSupervisor(jobs model.Jobs, store Store) *Supervisor {
	return &Supervisor{
		jobs:  jobs,
		store: store,
		owner: selfOwner(),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// SupervisorFromConfig returns a supervisor with the uploaders and the log
// directory given by cfg.
func SupervisorFromConfig(_ context.Context, cfg model.Config, store Store) (*Supervisor, error) {
	uploaders, err := uploaders(cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}
	if cfg.State.LogDir != "" {
		if err := os.MkdirAll(cfg.State.LogDir, 0o750); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
	}
	return NewSupervisor(cfg.Jobs, store).
		WithUploaders(uploaders...).
		WithLogDir(cfg.State.LogDir), nil
}

// WithUploaders replaces the uploaders receiving finished certificates.
func (s *Supervisor) WithUploaders(uploaders ...model.Uploader) *Supervisor {
	s.closeUploaders(context.Background())
	s.uploaders = uploaders
	return s
}

// WithLogDir makes every run save its stdout to <dir>/<kind>.log, which
// Recover replays after a crash. Empty dir disables the logs.
func (s *Supervisor) WithLogDir(dir string) *Supervisor {
	s.logDir = dir
	return s
}

// Submit queues a job. It returns an error wrapping model.ErrValidation for a
// bad request and model.ErrConflict if a job is already queued, running or
// its terminal event was not consumed yet.
func (s *Supervisor) Submit(ctx context.Context, req model.JobRequest) (model.JobRecord, error) {
	if err := req.Validate(); err != nil {
		return model.JobRecord{}, err
	}
	cfg, ok := s.jobs.For(req.Kind)
	if !ok {
		return model.JobRecord{}, fmt.Errorf("%w: no command configured for %s", model.ErrValidation, req.Kind)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.current != nil {
		return model.JobRecord{}, model.ErrConflict
	}

	rec := model.JobRecord{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Target:    req.Target,
		Method:    req.Method,
		Status:    model.JobStatusQueued,
		CreatedAt: s.now(),
		Owner:     s.owner,
	}
	if err := s.store.CreateJob(ctx, rec); err != nil {
		return model.JobRecord{}, fmt.Errorf("persisting job: %w", err)
	}

	jctx := log.ContextAttrs(context.WithoutCancel(ctx),
		slog.String("job_id", rec.ID),
		slog.String("kind", string(rec.Kind)),
	)
	s.current = &job{
		ctx:     jctx,
		cfg:     cfg,
		record:  rec,
		request: req,
	}
	slog.InfoContext(jctx, "job queued", "request", req)
	return rec, nil
}

// Attach returns the event stream of the current job and starts the job if it
// is queued. It returns model.ErrNotFound when there is no job and
// model.ErrConflict while another subscriber holds the stream. A subscriber
// attaching to a running job gets the events from now on, one attaching after
// the job ended gets the final events.
func (s *Supervisor) Attach(ctx context.Context) (*Stream, error) {
	return s.attach(ctx, "")
}

// AttachKind is Attach which reports model.ErrNotFound when the current job is
// not of the given kind.
func (s *Supervisor) AttachKind(ctx context.Context, kind model.JobKind) (*Stream, error) {
	return s.attach(ctx, kind)
}

func (s *Supervisor) attach(ctx context.Context, kind model.JobKind) (*Stream, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	j := s.current
	if j == nil || (kind != "" && j.record.Kind != kind) {
		return nil, model.ErrNotFound
	}
	if j.stream != nil && j.stream.active() {
		return nil, model.ErrConflict
	}

	stream := newStream(func() { s.consume(j) })
	j.stream = stream
	slog.DebugContext(ctx, "stream attached", "job_id", j.record.ID, "status", j.record.Status)

	switch j.record.Status {
	case model.JobStatusQueued:
		s.spawn(j)
	case model.JobStatusSucceeded, model.JobStatusFailed:
		for _, ev := range j.final {
			stream.publish(ev)
		}
	}
	return stream, nil
}

// spawn starts the process of a queued job, s.mx must be held.
func (s *Supervisor) spawn(j *job) {
	started := s.now()
	j.record.Status = model.JobStatusRunning
	j.record.StartedAt = &started
	if err := s.store.UpdateJob(j.ctx, j.record); err != nil {
		slog.ErrorContext(j.ctx, "persisting job failed", "error", err)
	}

	j.openLog(s.logDir)
	cmd := Cmd(j.cfg, j.request)
	runner := NewRunner()
	err := runner.Start(j.ctx, cmd, j.request.Secret, s.stdoutFunc(j), s.stderrFunc())
	// the secret is written once, drop it
	j.request.Secret = ""
	if err != nil {
		slog.ErrorContext(j.ctx, "spawning job process failed", "path", cmd.Path, "error", err)
		j.closeLog()
		s.finish(j, model.FailedCertificate("spawn error"), nil)
		return
	}
	slog.InfoContext(j.ctx, "job started", "path", cmd.Path, "args", cmd.Args)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := <-runner.WaitChan()
		s.exited(j, res)
	}()
}

func (s *Supervisor) stdoutFunc(j *job) LineFunc {
	return func(ctx context.Context, line string) {
		j.writeLog(line)
		if payload, ok := progress.Payload(line); ok {
			s.mx.Lock()
			j.payload = payload
			s.mx.Unlock()
			return
		}
		v, ok := progress.Parse(line)
		if !ok {
			return
		}

		s.mx.Lock()
		j.record.Progress = v
		rec := j.record
		if j.stream != nil {
			j.stream.publish(model.ProgressEvent(v))
		}
		s.mx.Unlock()

		if err := s.store.SaveProgress(ctx, rec); err != nil {
			slog.WarnContext(ctx, "persisting progress failed", "progress", v, "error", err)
		}
	}
}

// stderrFunc logs the child's stderr. It may reveal system details, so it
// goes to the daemon log only.
func (s *Supervisor) stderrFunc() LineFunc {
	return func(ctx context.Context, line string) {
		slog.WarnContext(ctx, "job stderr", "line", line)
	}
}

// exited runs once the process ended and all its output was processed.
func (s *Supervisor) exited(j *job, res Result) {
	if res.Err != nil {
		slog.ErrorContext(j.ctx, "job process failed", "error", res.Err)
	}
	j.closeLog()

	s.mx.Lock()
	payload := j.payload
	started := *j.record.StartedAt
	s.mx.Unlock()

	cert := s.certificate(j, payload, started)

	s.mx.Lock()
	defer s.mx.Unlock()
	s.finish(j, cert, &res)
}

// certificate assembles the job result: the last CERTIFICATE: line, else the
// configured certificate file if it was written by this run, else UNKNOWN.
func (s *Supervisor) certificate(j *job, payload []byte, started time.Time) model.Certificate {
	if payload == nil && j.cfg.Certificate != "" {
		path := j.cfg.Certificate
		if !filepath.IsAbs(path) && j.cfg.Command.Dir != "" {
			path = filepath.Join(j.cfg.Command.Dir, path)
		}
		b, err := readFresh(path, started)
		if err != nil {
			slog.WarnContext(j.ctx, "reading certificate file failed", "path", path, "error", err)
			return model.UnknownCertificate()
		}
		payload = b
	}
	if payload == nil {
		slog.WarnContext(j.ctx, "job printed no certificate")
		return model.UnknownCertificate()
	}
	cert, err := progress.ParseCertificate(payload)
	if err != nil {
		slog.WarnContext(j.ctx, "parsing certificate failed", "error", err)
		return model.UnknownCertificate()
	}
	return cert
}

// readFresh reads path unless it is older than since, which means it was
// left by an earlier run.
func readFresh(path string, since time.Time) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	// file systems may truncate mtime to seconds
	if info.ModTime().Before(since.Truncate(time.Second)) {
		return nil, fmt.Errorf("stale file modified at %s", info.ModTime().UTC().Format(time.RFC3339))
	}
	return os.ReadFile(path)
}

// finish moves the job to its terminal state, persists it and publishes the
// final events, s.mx must be held. res is nil when the process never started.
func (s *Supervisor) finish(j *job, cert model.Certificate, res *Result) {
	finished := s.now()
	j.record.Status = cert.JobStatus()
	j.record.FinishedAt = &finished
	j.final = []model.Event{model.DoneEvent(cert)}
	if res != nil {
		code := res.ExitCode()
		j.record.ExitCode = &code
		j.record.Progress = 100
		j.final = append([]model.Event{model.ProgressEvent(100)}, j.final...)
	}

	if err := s.store.UpdateJob(j.ctx, j.record); err != nil {
		slog.ErrorContext(j.ctx, "persisting job failed", "error", err)
	}
	if err := s.store.SaveCertificate(j.ctx, j.record.Kind, cert); err != nil {
		slog.ErrorContext(j.ctx, "persisting certificate failed", "error", err)
	}

	if j.stream != nil {
		for _, ev := range j.final {
			j.stream.publish(ev)
		}
	}
	attrs := []any{"status", j.record.Status, "certificate", cert.Status}
	if j.record.ExitCode != nil {
		attrs = append(attrs, "exit_code", *j.record.ExitCode)
	}
	slog.InfoContext(j.ctx, "job finished", attrs...)
	s.upload(j.ctx, j.record, cert)
}

// consume resets the supervisor to idle once the subscriber received the done
// event of j.
func (s *Supervisor) consume(j *job) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.current != j {
		return
	}
	s.current = nil
	if err := s.store.DeleteJob(j.ctx, j.record.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
		slog.ErrorContext(j.ctx, "deleting job failed", "error", err)
	}
	slog.DebugContext(j.ctx, "job consumed")
}

// Current returns the live job, or a job record left in the store, or
// model.ErrNotFound.
func (s *Supervisor) Current(ctx context.Context) (model.JobRecord, error) {
	s.mx.Lock()
	if s.current != nil {
		rec := s.current.record
		s.mx.Unlock()
		return rec, nil
	}
	s.mx.Unlock()
	return s.store.CurrentJob(ctx)
}

// Certificate returns the last persisted certificate of kind.
func (s *Supervisor) Certificate(ctx context.Context, kind model.JobKind) (model.Certificate, error) {
	return s.store.Certificate(ctx, kind)
}

// Recover finalizes a job a previous wiped process left queued or running. A
// running job gets the certificate found in its stdout log, if any. A job
// whose owning process is still alive, this one included, is left alone.
func (s *Supervisor) Recover(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.current != nil {
		return nil
	}

	rec, err := s.store.CurrentJob(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading current job: %w", err)
	}
	ctx = log.ContextAttrs(ctx,
		slog.String("job_id", rec.ID),
		slog.String("kind", string(rec.Kind)),
	)
	if ownerAlive(rec.Owner) {
		slog.InfoContext(ctx, "job belongs to a running process, not recovering", "owner", rec.Owner)
		return nil
	}

	if rec.Status.Active() {
		cert := model.FailedCertificate("interrupted")
		if rec.Status == model.JobStatusRunning {
			cert = s.replay(ctx, &rec)
		}
		finished := s.now()
		rec.Status = cert.JobStatus()
		rec.FinishedAt = &finished
		if err := s.store.UpdateJob(ctx, rec); err != nil {
			return fmt.Errorf("persisting recovered job: %w", err)
		}
		if err := s.store.SaveCertificate(ctx, rec.Kind, cert); err != nil {
			return fmt.Errorf("persisting recovered certificate: %w", err)
		}
		slog.WarnContext(ctx, "interrupted job recovered", "status", rec.Status, "certificate", cert.Status)
		s.upload(ctx, rec, cert)
	}
	// a finished job whose done event was never delivered has its
	// certificate stored already
	if err := s.store.DeleteJob(ctx, rec.ID); err != nil {
		return fmt.Errorf("deleting recovered job: %w", err)
	}
	return nil
}

func (s *Supervisor) replay(ctx context.Context, rec *model.JobRecord) model.Certificate {
	interrupted := model.Certificate{
		Status:  model.CertificateUnknown,
		Details: map[string]string{"reason": "interrupted"},
	}
	if s.logDir == "" {
		return interrupted
	}
	f, err := os.Open(logPath(s.logDir, rec.Kind))
	if err != nil {
		slog.WarnContext(ctx, "opening job log failed", "error", err)
		return interrupted
	}
	defer func() {
		_ = f.Close()
	}()

	events, payload, err := progress.Replay(f)
	if err != nil {
		slog.WarnContext(ctx, "replaying job log failed", "error", err)
	}
	if n := len(events); n > 0 {
		rec.Progress = events[n-1].Progress
	}
	if payload == nil {
		return interrupted
	}
	cert, err := progress.ParseCertificate(payload)
	if err != nil {
		slog.WarnContext(ctx, "parsing certificate failed", "error", err)
		return interrupted
	}
	return cert
}

func (s *Supervisor) upload(ctx context.Context, rec model.JobRecord, cert model.Certificate) {
	if len(s.uploaders) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var errs []error
		for _, u := range s.uploaders {
			if err := u.Upload(ctx, rec, cert); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			slog.ErrorContext(ctx, "uploading certificate failed", "error", err)
		}
	}()
}

// Wait blocks until running processes and uploads have finished. Jobs are
// never cancelled, so this can take as long as the job does.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Close waits like Wait, then closes the uploaders.
func (s *Supervisor) Close(ctx context.Context) {
	s.wg.Wait()
	s.closeUploaders(ctx)
}

func (s *Supervisor) closeUploaders(ctx context.Context) {
	for _, uploader := range s.uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			err := closer.Close()
			if err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
}

func logPath(dir string, kind model.JobKind) string {
	return filepath.Join(dir, kind.Slug()+".log")
}

func (j *job) openLog(dir string) {
	if dir == "" {
		return
	}
	f, err := os.Create(logPath(dir, j.record.Kind))
	if err != nil {
		slog.WarnContext(j.ctx, "creating job log failed", "error", err)
		return
	}
	j.log = f
}

func (j *job) writeLog(line string) {
	if j.log == nil {
		return
	}
	if _, err := j.log.WriteString(line + "\n"); err != nil {
		slog.WarnContext(j.ctx, "writing job log failed", "error", err)
		j.closeLog()
	}
}

func (j *job) closeLog() {
	if j.log == nil {
		return
	}
	if err := j.log.Close(); err != nil {
		slog.WarnContext(j.ctx, "closing job log failed", "error", err)
	}
	j.log = nil
}
