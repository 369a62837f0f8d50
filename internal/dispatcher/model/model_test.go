package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulingMode_UnmarshalText(t *testing.T) {
	tests := map[string]struct {
		input   string
		want    SchedulingMode
		wantErr bool
	}{
		"upper":   {input: "FIFO", want: Fifo},
		"lower":   {input: "balanced", want: Balanced},
		"padded":  {input: " priority_only ", want: PriorityOnly},
		"unknown": {input: "ROUND_ROBIN", wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var mode SchedulingMode
			err := mode.UnmarshalText([]byte(tc.input))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, mode)
		})
	}
}

func TestDependType_Kinds(t *testing.T) {
	tests := map[DependType]struct {
		er        EntityKind
		on        EntityKind
		composite bool
		reactive  bool
	}{
		JobOnJob:      {JobEntity, JobEntity, false, false},
		JobOnLayer:    {JobEntity, LayerEntity, false, false},
		JobOnFrame:    {JobEntity, FrameEntity, false, false},
		LayerOnJob:    {LayerEntity, JobEntity, false, false},
		LayerOnLayer:  {LayerEntity, LayerEntity, false, true},
		LayerOnFrame:  {LayerEntity, FrameEntity, false, false},
		FrameOnJob:    {FrameEntity, JobEntity, false, false},
		FrameOnLayer:  {FrameEntity, LayerEntity, false, false},
		FrameOnFrame:  {FrameEntity, FrameEntity, false, true},
		FrameByFrame:  {LayerEntity, LayerEntity, true, false},
		PreviousFrame: {LayerEntity, LayerEntity, true, false},
	}
	for dependType, tc := range tests {
		t.Run(string(dependType), func(t *testing.T) {
			assert.True(t, dependType.Valid())
			assert.Equal(t, tc.er, dependType.ErKind())
			assert.Equal(t, tc.on, dependType.OnKind())
			assert.Equal(t, tc.composite, dependType.IsComposite())
			assert.Equal(t, tc.reactive, dependType.CanReactivate())
		})
	}
	assert.False(t, DependType("LAYER_ON_SIM_FRAME").Valid())
}

func TestDepend_ContentSignature(t *testing.T) {
	a := &Depend{Id: "1", Type: FrameOnFrame, ErJobId: "j1", ErLayerId: "l1", ErFrameId: "f1", OnJobId: "j1", OnLayerId: "l2", OnFrameId: "f2"}
	b := a.DeepCopy()
	b.Id = "2"
	assert.Equal(t, a.ContentSignature(), b.ContentSignature())

	b.Any = true
	assert.NotEqual(t, a.ContentSignature(), b.ContentSignature())
}

func TestDepend_MatchesTarget(t *testing.T) {
	internal := &Depend{ErJobId: "j1", OnJobId: "j1"}
	external := &Depend{ErJobId: "j1", OnJobId: "j2"}
	assert.True(t, internal.MatchesTarget(TargetInternal))
	assert.False(t, internal.MatchesTarget(TargetExternal))
	assert.True(t, external.MatchesTarget(TargetExternal))
	assert.True(t, external.MatchesTarget(TargetAny))
}

func TestSuppressesRetry(t *testing.T) {
	for _, status := range []int{-1, 284, 286, 299, 301, 302, 399} {
		assert.True(t, SuppressesRetry(status), "status %d", status)
	}
	for _, status := range []int{0, 1, 33, 256} {
		assert.False(t, SuppressesRetry(status), "status %d", status)
	}
}

func TestSubscription_Tier(t *testing.T) {
	assert.Equal(t, 0.5, (&Subscription{Size: 1000, Cores: 500}).Tier())
	assert.Equal(t, 0.0, (&Subscription{Size: 0, Cores: 0}).Tier())
	assert.True(t, math.IsInf((&Subscription{Size: 0, Cores: 100}).Tier(), 1))
	assert.Equal(t, 50, (&Subscription{Burst: 1000, Cores: 950}).Headroom())
}

func TestHost(t *testing.T) {
	host := &Host{Tags: []string{"general", "desktop"}, Os: []string{"rhel9"}, State: HostUp, LockState: LockOpen}
	assert.Equal(t, "general desktop", host.TagString())
	assert.True(t, host.SupportsOs(""))
	assert.True(t, host.SupportsOs("RHEL9"))
	assert.False(t, host.SupportsOs("windows"))
	assert.True(t, host.Dispatchable())

	c := host.DeepCopy()
	c.Tags[0] = "changed"
	assert.Equal(t, "general", host.Tags[0])
}

func TestJob_AgeDays(t *testing.T) {
	now := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	job := &Job{TsStarted: now.Add(-36 * time.Hour)}
	assert.InDelta(t, 1.5, job.AgeDays(now), 1e-9)
	assert.Equal(t, 0.0, (&Job{}).AgeDays(now))
}
