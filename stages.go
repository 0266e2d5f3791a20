package epidra

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Attestation is the four-stage contract that every role implements.  Each
// stage consumes the output of its predecessor.  The pipeline is linear:
// there are no transitions back and no retries, and an error at any stage
// ends the session.
type Attestation[S1, S2, S3, O any] interface {
	StageOne(ctx context.Context) (S1, error)
	StageTwo(ctx context.Context, in S1) (S2, error)
	StageThree(ctx context.Context, in S2) (S3, error)
	StageFour(ctx context.Context, in S3) (O, error)
}

// Role names, used in logs and metric labels.
const (
	RoleEnclave         = "enclave"
	RoleRelay           = "relay"
	RoleServiceProvider = "sp"
)

// connHolder is implemented by roles that do blocking I/O on connections.
// Attest ties the connections' deadlines to the context.
type connHolder interface {
	connections() []net.Conn
}

// destroyer is implemented by roles that own key material.
type destroyer interface {
	destroy()
}

// Attest runs the four stages of a in order and returns the final output.
// Once Attest returns, the session's ephemeral key material is gone,
// regardless of the outcome.
func Attest[S1, S2, S3, O any](
	ctx context.Context,
	role string,
	a Attestation[S1, S2, S3, O],
	m *metrics,
) (out O, err error) {
	if d, ok := any(a).(destroyer); ok {
		defer d.destroy()
	}
	if c, ok := any(a).(connHolder); ok {
		for _, conn := range c.connections() {
			stop := watchConn(ctx, conn)
			defer stop()
		}
	}
	defer func() { m.handshakeDone(role, err) }()

	var (
		s1 S1
		s2 S2
		s3 S3
	)
	if err = m.timeStage(role, "one", func() (e error) {
		s1, e = a.StageOne(ctx)
		return
	}); err != nil {
		return out, fmt.Errorf("stage one: %w", err)
	}
	if err = m.timeStage(role, "two", func() (e error) {
		s2, e = a.StageTwo(ctx, s1)
		return
	}); err != nil {
		return out, fmt.Errorf("stage two: %w", err)
	}
	if err = m.timeStage(role, "three", func() (e error) {
		s3, e = a.StageThree(ctx, s2)
		return
	}); err != nil {
		return out, fmt.Errorf("stage three: %w", err)
	}
	if err = m.timeStage(role, "four", func() (e error) {
		out, e = a.StageFour(ctx, s3)
		return
	}); err != nil {
		return out, fmt.Errorf("stage four: %w", err)
	}
	return out, nil
}

// watchConn applies the context's deadline to conn and unblocks pending I/O
// once the context is cancelled.  The returned function stops watching.
func watchConn(ctx context.Context, conn net.Conn) (stop func()) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// A deadline in the past makes blocked reads and writes return.
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() { close(done) }
}
