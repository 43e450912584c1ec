package cron

import (
	"reflect"
	"testing"
)

func TestRegistryKeepsRunOrder(t *testing.T) {
	cases := []struct {
		name  string
		jobs  []Job
		names []string
	}{
		{name: "empty", names: []string{}},
		{
			name:  "sweep order",
			jobs:  []Job{&testJob{name: JobExpired}, &testJob{name: JobScheduledActivation}, &testJob{name: JobExpiringSoon}},
			names: []string{JobExpired, JobScheduledActivation, JobExpiringSoon},
		},
		{
			name:  "duplicates and nil dropped",
			jobs:  []Job{&testJob{name: JobExpired}, nil, &testJob{name: JobExpired}, &testJob{name: JobStatusPoll}},
			names: []string{JobExpired, JobStatusPoll},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			registry := NewRegistry(tc.jobs...)
			if got := registry.Names(); !reflect.DeepEqual(got, tc.names) {
				t.Fatalf("expected %v, got %v", tc.names, got)
			}
		})
	}
}

func TestRegistryJobsReturnsCopy(t *testing.T) {
	var registry Registry
	if !registry.Register(&testJob{name: JobPendingReaper}) {
		t.Fatal("zero registry should accept jobs")
	}
	if registry.Register(&testJob{name: JobPendingReaper}) {
		t.Fatal("duplicate name should not register")
	}
	jobs := registry.Jobs()
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatal("internal slice leaked")
	}
}
