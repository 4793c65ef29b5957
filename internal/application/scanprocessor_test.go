package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/civiscan/internal/application"
	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

var openEvent = model.Event{
	ID:        5,
	Title:     "Spring Assembly",
	StartDate: testNow.Add(-time.Hour),
	EndDate:   testNow.Add(3 * time.Hour),
}

func newProcessor(backend driven.Backend, notifier driven.Notifier, clock *fakeClock, autoValidate bool) *application.ScanProcessor {
	return application.NewScanProcessor("scanner-1", openEvent, backend, notifier, application.ScanProcessorConfig{
		GracePeriod:  30 * time.Minute,
		AutoValidate: autoValidate,
		Now:          clock.Now,
	}, discardLogger())
}

func TestScanProcessor_ConfirmThenSuccess(t *testing.T) {
	backend := participantBackend(1, nil)
	notifier := &recordingNotifier{}
	p := newProcessor(backend, notifier, newFakeClock(), false)

	assert.Equal(t, model.StateScanning, p.Snapshot().State)

	snap, accepted := p.Submit(context.Background(), "1042")
	require.True(t, accepted)
	assert.Equal(t, model.StateConfirming, snap.State)
	require.NotNil(t, snap.Participant)
	assert.Equal(t, "Ada Lovelace", snap.Participant.DisplayName)
	assert.Empty(t, backend.callsFor(model.ActionUpdate))

	lookup := backend.callsFor(model.ActionGet)
	require.Len(t, lookup, 1)
	assert.Equal(t, "Participant", lookup[0].Entity)
	assert.Equal(t, []model.Condition{model.Eq("id", "1042"), model.Eq("event_id", int64(5))}, lookup[0].Query.Where)
	assert.Equal(t, 1, lookup[0].Query.Limit)

	snap, err := p.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StateSuccess, snap.State)
	assert.Equal(t, model.FeedbackSuccess, snap.Feedback)

	updates := backend.callsFor(model.ActionUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, []model.Condition{model.Eq("id", int64(1042))}, updates[0].Query.Where)
	assert.Equal(t, map[string]any{"status_id": int64(2)}, updates[0].Query.Values)
	assert.Equal(t, []model.FeedbackKind{model.FeedbackSuccess}, notifier.got())
}

func TestScanProcessor_AlreadyAttended(t *testing.T) {
	for _, autoValidate := range []bool{false, true} {
		backend := participantBackend(2, nil)
		notifier := &recordingNotifier{}
		p := newProcessor(backend, notifier, newFakeClock(), autoValidate)

		snap, accepted := p.Submit(context.Background(), "1042")

		require.True(t, accepted)
		assert.Equal(t, model.StateAlreadyAttended, snap.State)
		require.NotNil(t, snap.Participant)
		assert.Equal(t, int64(1042), snap.Participant.ID)
		assert.Empty(t, backend.callsFor(model.ActionUpdate), "auto-validate=%v", autoValidate)
		assert.Equal(t, []model.FeedbackKind{model.FeedbackWarning}, notifier.got())
	}
}

func TestScanProcessor_DebounceDropsRepeatedCode(t *testing.T) {
	backend := participantBackend(2, nil)
	clock := newFakeClock()
	p := newProcessor(backend, nil, clock, false)

	_, accepted := p.Submit(context.Background(), "1042")
	require.True(t, accepted)
	_, err := p.Reset()
	require.NoError(t, err)

	clock.Advance(2999 * time.Millisecond)
	_, accepted = p.Submit(context.Background(), "1042")
	assert.False(t, accepted, "second decode inside the window is dropped")
	assert.Len(t, backend.callsFor(model.ActionGet), 1)

	clock.Advance(time.Millisecond)
	_, accepted = p.Submit(context.Background(), "1042")
	assert.True(t, accepted)
	assert.Len(t, backend.callsFor(model.ActionGet), 2)
}

func TestScanProcessor_DebounceAppliesAcrossCodes(t *testing.T) {
	backend := participantBackend(2, nil)
	clock := newFakeClock()
	p := newProcessor(backend, nil, clock, false)

	_, accepted := p.Submit(context.Background(), "1042")
	require.True(t, accepted)
	_, err := p.Reset()
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, accepted = p.Submit(context.Background(), "2000")
	assert.False(t, accepted)
	assert.Len(t, backend.callsFor(model.ActionGet), 1)
}

func TestScanProcessor_DropsCodeWhileProcessing(t *testing.T) {
	release := make(chan struct{})
	inner := participantBackend(2, nil)
	backend := &mockBackend{handle: func(ctx context.Context, req model.APIRequest) (model.APIResponse, error) {
		<-release
		return inner.handle(ctx, req)
	}}
	clock := newFakeClock()
	p := newProcessor(backend, nil, clock, false)

	done := make(chan model.ScanSnapshot, 1)
	go func() {
		snap, _ := p.Submit(context.Background(), "1042")
		done <- snap
	}()
	require.Eventually(t, func() bool { return p.Snapshot().State == model.StateProcessing }, time.Second, 5*time.Millisecond)

	clock.Advance(10 * time.Second)
	snap, accepted := p.Submit(context.Background(), "2000")
	assert.False(t, accepted, "a code arriving mid-cycle is dropped")
	assert.Equal(t, model.StateProcessing, snap.State)

	close(release)
	first := <-done
	assert.Equal(t, model.StateConfirming, first.State)
	require.NotNil(t, first.Participant)
	assert.Equal(t, int64(1042), first.Participant.ID)
	assert.Len(t, backend.callsFor(model.ActionGet), 1)
}

func TestScanProcessor_DropsInputOutsideScanning(t *testing.T) {
	backend := participantBackend(1, nil)
	clock := newFakeClock()
	p := newProcessor(backend, nil, clock, false)

	snap, accepted := p.Submit(context.Background(), "1042")
	require.True(t, accepted)
	require.Equal(t, model.StateConfirming, snap.State)

	clock.Advance(10 * time.Second)
	snap, accepted = p.Submit(context.Background(), "2000")
	assert.False(t, accepted)
	assert.Equal(t, model.StateConfirming, snap.State)
	assert.Equal(t, int64(1042), snap.Participant.ID)

	_, accepted = newProcessor(backend, nil, clock, false).Submit(context.Background(), "   ")
	assert.False(t, accepted, "blank codes are ignored")
}

func TestScanProcessor_ConfirmRequiredWithoutAutoValidate(t *testing.T) {
	backend := participantBackend(1, nil)
	clock := newFakeClock()
	p := newProcessor(backend, nil, clock, false)

	for range 3 {
		snap, _ := p.Submit(context.Background(), "1042")
		assert.Equal(t, model.StateConfirming, snap.State)
		_, err := p.Reset()
		require.NoError(t, err)
		clock.Advance(5 * time.Second)
	}

	assert.Empty(t, backend.callsFor(model.ActionUpdate))
}

func TestScanProcessor_ConfirmOutsideConfirming(t *testing.T) {
	p := newProcessor(participantBackend(1, nil), nil, newFakeClock(), false)

	snap, err := p.Confirm(context.Background())

	assert.ErrorIs(t, err, driven.ErrInvalidTransition)
	assert.Equal(t, model.StateScanning, snap.State)
}

func TestScanProcessor_AutoValidateWritesImmediately(t *testing.T) {
	backend := participantBackend(1, nil)
	notifier := &recordingNotifier{}
	p := newProcessor(backend, notifier, newFakeClock(), true)

	snap, accepted := p.Submit(context.Background(), "1042")

	require.True(t, accepted)
	assert.Equal(t, model.StateSuccess, snap.State)
	assert.Equal(t, int64(2), snap.Participant.StatusID)
	assert.Len(t, backend.callsFor(model.ActionUpdate), 1)
	assert.Equal(t, []model.FeedbackKind{model.FeedbackSuccess}, notifier.got())
}

func TestScanProcessor_WriteFailure(t *testing.T) {
	backend := participantBackend(1, &driven.BackendError{Status: 500, Message: "DB Error"})
	notifier := &recordingNotifier{}
	p := newProcessor(backend, notifier, newFakeClock(), false)

	_, _ = p.Submit(context.Background(), "1042")
	snap, err := p.Confirm(context.Background())

	require.NoError(t, err, "backend failures surface in the snapshot")
	assert.Equal(t, model.StateError, snap.State)
	assert.Equal(t, "DB Error", snap.Reason)
	require.NotNil(t, snap.Participant)
	assert.Equal(t, int64(1), snap.Participant.StatusID, "participant is not assumed mutated")
	assert.Equal(t, []model.FeedbackKind{model.FeedbackError}, notifier.got())
}

func TestScanProcessor_LookupFailures(t *testing.T) {
	tests := []struct {
		name   string
		resp   model.APIResponse
		err    error
		reason string
	}{
		{name: "not found", resp: model.APIResponse{Values: []model.Record{}}, reason: "participant not found"},
		{name: "no credential", err: driven.ErrConfigMissing, reason: "no backend credential configured"},
		{name: "unauthorized", err: &driven.BackendError{Status: 401}, reason: "session expired"},
		{name: "network", err: &driven.NetworkError{Err: errors.New("dial tcp: refused")}, reason: "backend unreachable"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := &mockBackend{handle: func(context.Context, model.APIRequest) (model.APIResponse, error) {
				return tc.resp, tc.err
			}}
			notifier := &recordingNotifier{}
			p := newProcessor(backend, notifier, newFakeClock(), true)

			snap, accepted := p.Submit(context.Background(), "1042")

			require.True(t, accepted)
			assert.Equal(t, model.StateError, snap.State)
			assert.Equal(t, tc.reason, snap.Reason)
			assert.Nil(t, snap.Participant)
			assert.Empty(t, backend.callsFor(model.ActionUpdate))
			assert.Equal(t, []model.FeedbackKind{model.FeedbackError}, notifier.got())
		})
	}
}

func TestScanProcessor_ResetFromEveryOutcome(t *testing.T) {
	tests := []struct {
		name    string
		backend func() *mockBackend
		confirm bool
		want    model.CheckInState
	}{
		{name: "confirming", backend: func() *mockBackend { return participantBackend(1, nil) }, want: model.StateConfirming},
		{name: "already attended", backend: func() *mockBackend { return participantBackend(2, nil) }, want: model.StateAlreadyAttended},
		{name: "success", backend: func() *mockBackend { return participantBackend(1, nil) }, confirm: true, want: model.StateSuccess},
		{name: "error", backend: func() *mockBackend { return participantBackend(1, errors.New("boom")) }, confirm: true, want: model.StateError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newProcessor(tc.backend(), nil, newFakeClock(), false)
			snap, _ := p.Submit(context.Background(), "1042")
			if tc.confirm {
				var err error
				snap, err = p.Confirm(context.Background())
				require.NoError(t, err)
			}
			require.Equal(t, tc.want, snap.State)

			snap, err := p.Reset()
			require.NoError(t, err)
			assert.Equal(t, model.StateScanning, snap.State)
			assert.Nil(t, snap.Participant)
			assert.Empty(t, snap.Reason)
			assert.Empty(t, snap.Feedback)
		})
	}
}

func TestScanProcessor_ResetFromScanningIsRejected(t *testing.T) {
	p := newProcessor(participantBackend(1, nil), nil, newFakeClock(), false)

	_, err := p.Reset()

	assert.ErrorIs(t, err, driven.ErrInvalidTransition)
}

func TestScanProcessor_ClosedEventRefusesWrite(t *testing.T) {
	backend := participantBackend(1, nil)
	clock := newFakeClock()
	clock.Advance(4 * time.Hour) // end date + 30m grace has passed
	p := newProcessor(backend, nil, clock, true)

	snap, _ := p.Submit(context.Background(), "1042")

	assert.Equal(t, model.StateError, snap.State)
	assert.Equal(t, "event closed", snap.Reason)
	assert.Empty(t, backend.callsFor(model.ActionUpdate))
}

func TestScanProcessor_CloseDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	backend := &mockBackend{handle: func(ctx context.Context, _ model.APIRequest) (model.APIResponse, error) {
		<-release
		return model.APIResponse{Values: []model.Record{{"id": int64(1042), "status_id": int64(1)}}}, nil
	}}
	p := newProcessor(backend, nil, newFakeClock(), false)

	done := make(chan model.ScanSnapshot, 1)
	go func() {
		snap, _ := p.Submit(context.Background(), "1042")
		done <- snap
	}()

	require.Eventually(t, func() bool { return p.Snapshot().State == model.StateProcessing }, time.Second, 5*time.Millisecond)
	p.Close()
	close(release)

	snap := <-done
	assert.Equal(t, model.StateProcessing, snap.State, "late lookup result is not applied")
	assert.Nil(t, snap.Participant)

	_, accepted := p.Submit(context.Background(), "2000")
	assert.False(t, accepted)
}

func TestScanProcessor_AutoResetAfterDelay(t *testing.T) {
	backend := participantBackend(2, nil)
	p := application.NewScanProcessor("scanner-1", openEvent, backend, nil, application.ScanProcessorConfig{
		AutoValidate:   true,
		AutoResetDelay: 20 * time.Millisecond,
		Now:            newFakeClock().Now,
	}, discardLogger())

	snap, _ := p.Submit(context.Background(), "1042")
	require.Equal(t, model.StateAlreadyAttended, snap.State)

	assert.Eventually(t, func() bool {
		s := p.Snapshot()
		return s.State == model.StateScanning && s.Participant == nil
	}, time.Second, 5*time.Millisecond)
}

func TestScanProcessor_NoAutoResetWithoutAutoValidate(t *testing.T) {
	p := application.NewScanProcessor("scanner-1", openEvent, participantBackend(2, nil), nil, application.ScanProcessorConfig{
		AutoResetDelay: 10 * time.Millisecond,
		Now:            newFakeClock().Now,
	}, discardLogger())

	_, _ = p.Submit(context.Background(), "1042")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, model.StateAlreadyAttended, p.Snapshot().State)
}

func TestScanProcessor_SetAutoValidate(t *testing.T) {
	backend := participantBackend(1, nil)
	p := newProcessor(backend, nil, newFakeClock(), false)

	snap := p.SetAutoValidate(true)
	assert.True(t, snap.AutoValidate)

	snap, _ = p.Submit(context.Background(), "1042")
	assert.Equal(t, model.StateSuccess, snap.State)
}

func TestScannerRegistry_Lifecycle(t *testing.T) {
	reg := application.NewScannerRegistry(participantBackend(1, nil), nil, application.ScanProcessorConfig{}, discardLogger())

	p := reg.Create(openEvent, 30*time.Minute, true)
	require.NotEmpty(t, p.ID())
	assert.True(t, p.Snapshot().AutoValidate)

	got, ok := reg.Get(p.ID())
	require.True(t, ok)
	assert.Same(t, p, got)

	other := reg.Create(openEvent, 0, false)
	assert.NotEqual(t, p.ID(), other.ID())

	assert.True(t, reg.Remove(p.ID()))
	assert.False(t, reg.Remove(p.ID()))
	_, ok = reg.Get(p.ID())
	assert.False(t, ok)

	_, accepted := p.Submit(context.Background(), "1042")
	assert.False(t, accepted, "removed processors reject input")

	reg.CloseAll()
	_, ok = reg.Get(other.ID())
	assert.False(t, ok)
}

func TestScannerRegistry_FeedbackAddressedToScanningOperator(t *testing.T) {
	sink := &recordingSink{}
	reg := application.NewScannerRegistry(participantBackend(2, nil), sink, application.ScanProcessorConfig{}, discardLogger())
	defer reg.CloseAll()

	a := reg.Create(openEvent, 30*time.Minute, false)
	b := reg.Create(openEvent, 30*time.Minute, false)

	snap, accepted := a.Submit(context.Background(), "1042")
	require.True(t, accepted)
	require.Equal(t, model.StateAlreadyAttended, snap.State)

	assert.Equal(t, []model.FeedbackKind{model.FeedbackWarning}, sink.got(a.ID()))
	assert.Empty(t, sink.got(b.ID()), "idle operator receives nothing")
}
