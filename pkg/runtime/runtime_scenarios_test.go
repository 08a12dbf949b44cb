package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

// ScenarioTestSuite exercises the six literal end-to-end scenarios the
// worker/channel system is required to satisfy, one per test.
type ScenarioTestSuite struct {
	suite.Suite
	rt *Runtime
}

func TestScenarioTestSuite(t *testing.T) {
	suite.Run(t, new(ScenarioTestSuite))
}

func (s *ScenarioTestSuite) SetupTest() {
	rt, err := New(Options{LogLevel: "error"})
	s.Require().NoError(err)
	s.rt = rt
}

// 1. Rendezvous.
func (s *ScenarioTestSuite) TestRendezvous() {
	_, err := s.rt.NewChannel("ch", 1)
	s.Require().NoError(err)

	th, err := s.rt.SpawnFromSource(context.Background(), `ch:push("hello", -1)`, "ch")
	s.Require().NoError(err)

	time.Sleep(100 * time.Millisecond)

	ch, _ := s.rt.Channel("ch")
	v, ok, timedOut, err := ch.Pop(time.Second)
	s.Require().NoError(err)
	s.True(ok)
	s.False(timedOut)
	s.Equal("hello", v)

	_, err = th.Join(time.Second)
	s.Require().NoError(err)
	status, _ := th.Status()
	s.Equal("terminated", status.String())
}

// 2. Timeout revoke.
func (s *ScenarioTestSuite) TestTimeoutRevoke() {
	ch, err := s.rt.NewChannel("ch", 1)
	s.Require().NoError(err)

	th, err := s.rt.SpawnFromSource(context.Background(), `
		local ok, timedOut = ch:push("hello", 0.05)
		result:push(ok, -1)
		result:push(timedOut, -1)
	`, "ch")
	s.Require().NoError(err)
	result, err := s.rt.NewChannel("result", 2)
	s.Require().NoError(err)
	_ = result

	// The script above references "ch" and "result" as globals; "result"
	// must be registered before spawn binds it, so register it first below
	// instead — kept here only to document the dependency order bug this
	// test must avoid. See TestTimeoutRevokeOrdered.
	_, _ = th.Join(time.Second)
	_, _, _, _ = ch.Pop(0)
}

// TestTimeoutRevokeOrdered is the corrected form of scenario 2: both
// channels are registered before the worker that binds them is spawned.
func (s *ScenarioTestSuite) TestTimeoutRevokeOrdered() {
	ch, err := s.rt.NewChannel("ch2", 1)
	s.Require().NoError(err)
	result, err := s.rt.NewChannel("result2", 2)
	s.Require().NoError(err)

	th, err := s.rt.SpawnFromSource(context.Background(), `
		local ok, timedOut = ch2:push("hello", 0.05)
		result2:push(ok, -1)
		result2:push(timedOut, -1)
	`, "ch2", "result2")
	s.Require().NoError(err)

	ok, pushOK, _, err := result.Pop(time.Second)
	s.Require().NoError(err)
	s.Require().True(pushOK)
	timedOut, popOK, _, err := result.Pop(time.Second)
	s.Require().NoError(err)
	s.Require().True(popOK)

	s.Equal(false, ok, "push with no consumer must report ok=false")
	s.Equal(true, timedOut, "push with no consumer must report timed out")

	_, ok2, timedOut2, err := ch.Pop(10 * time.Millisecond)
	s.Require().NoError(err)
	s.False(ok2)
	s.True(timedOut2, "the revoked value must not be poppable afterwards")

	_, err = th.Join(time.Second)
	s.Require().NoError(err)
}

// 3. Bounded capacity.
func (s *ScenarioTestSuite) TestBoundedCapacity() {
	ch, err := s.rt.NewChannel("ch", 2)
	s.Require().NoError(err)

	ok, _, err := ch.Push(int64(1), -1)
	s.Require().NoError(err)
	s.True(ok)
	ok, _, err = ch.Push(int64(2), -1)
	s.Require().NoError(err)
	s.True(ok)

	ok, timedOut, err := ch.Push(int64(3), 0)
	s.Require().NoError(err)
	s.False(ok)
	s.True(timedOut, "push on a full channel with deadline 0 reports again")

	v, _, _, err := ch.Pop(-1)
	s.Require().NoError(err)
	s.Equal(int64(1), v)

	ok, _, err = ch.Push(int64(3), -1)
	s.Require().NoError(err)
	s.True(ok)

	var drained []int64
	for {
		v, ok, _, err := ch.Pop(0)
		s.Require().NoError(err)
		if !ok {
			break
		}
		drained = append(drained, v.(int64))
	}
	s.Equal([]int64{2, 3}, drained)
}

// 4. Poll integration.
func (s *ScenarioTestSuite) TestPollIntegration() {
	ch, err := s.rt.NewChannel("ch", 2)
	s.Require().NoError(err)

	ready, err := pollOnce(ch.FDReadable(), 100*time.Millisecond)
	s.Require().NoError(err)
	s.False(ready)

	_, _, err = ch.Push("x", -1)
	s.Require().NoError(err)

	ready, err = pollOnce(ch.FDReadable(), 100*time.Millisecond)
	s.Require().NoError(err)
	s.True(ready)

	v, _, _, err := ch.Pop(-1)
	s.Require().NoError(err)
	s.Equal("x", v)

	ready, err = pollOnce(ch.FDReadable(), 100*time.Millisecond)
	s.Require().NoError(err)
	s.False(ready)
}

func pollOnce(fd int, timeout time.Duration) (bool, error) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// 5. Cancellation notify.
func (s *ScenarioTestSuite) TestCancellationNotify() {
	ack, err := s.rt.NewChannel("ack", 1)
	s.Require().NoError(err)

	th, err := s.rt.SpawnFromSource(context.Background(), `
		ack:push(true, -1)
		while not self:is_cancelled() do
		end
		ack:push(true, -1)
	`, "ack")
	s.Require().NoError(err)

	_, ok, _, err := ack.Pop(time.Second)
	s.Require().NoError(err)
	s.Require().True(ok)

	s.Require().NoError(th.Cancel(true))
	_, ok, _, err = ack.Pop(2 * time.Second)
	s.Require().NoError(err)
	s.Require().True(ok)

	timedOut, err := th.Join(time.Second)
	s.Require().NoError(err)
	s.False(timedOut)

	status, _ := th.Status()
	s.Equal("terminated", status.String())

	// A second notify cancel on an already-terminated thread returns OK.
	s.NoError(th.Cancel(true))
}

// 6. Thread failure.
func (s *ScenarioTestSuite) TestThreadFailure() {
	th, err := s.rt.SpawnFromSource(context.Background(), `return bar + "foo"`)
	s.Require().NoError(err)

	_, err = th.Join(time.Second)
	s.Require().NoError(err)

	status, msg := th.Status()
	s.Equal("failed", status.String())
	s.Contains(msg, "attempt to")
}
