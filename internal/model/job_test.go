package model_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wipeworks/wiped/internal/model"
)

func TestJobRequestValidate(t *testing.T) {
	t.Parallel()
	type then struct {
		ok  bool
		msg string
	}
	cases := []struct {
		scenario string
		given    model.JobRequest
		then     then
	}{
		{"wipe", model.JobRequest{Kind: model.JobKindWipe, Target: "/dev/sdb", Method: model.WipeMethodRandom, Secret: "pw"}, then{ok: true}},
		{"factory_reset", model.JobRequest{Kind: model.JobKindFactoryReset, Secret: "pw"}, then{ok: true}},
		{"wipe_without_target", model.JobRequest{Kind: model.JobKindWipe, Method: model.WipeMethodZero, Secret: "pw"}, then{msg: `target: failed on "required_if"`}},
		{"wipe_without_method", model.JobRequest{Kind: model.JobKindWipe, Target: "/dev/sdb", Secret: "pw"}, then{msg: `method: failed on "required_if"`}},
		{"wipe_bad_method", model.JobRequest{Kind: model.JobKindWipe, Target: "/dev/sdb", Method: "SHRED", Secret: "pw"}, then{msg: `method: failed on "oneof"`}},
		{"reset_with_target", model.JobRequest{Kind: model.JobKindFactoryReset, Target: "/dev/sdb", Secret: "pw"}, then{msg: `target: failed on "excluded_if"`}},
		{"reset_with_method", model.JobRequest{Kind: model.JobKindFactoryReset, Method: model.WipeMethodZero, Secret: "pw"}, then{msg: `method: failed on "excluded_if"`}},
		{"no_secret", model.JobRequest{Kind: model.JobKindFactoryReset}, then{msg: `secret: failed on "required"`}},
		{"multiline_secret", model.JobRequest{Kind: model.JobKindFactoryReset, Secret: "pw\nrm -rf"}, then{msg: `secret: failed on "single_line"`}},
		{"no_kind", model.JobRequest{Secret: "pw"}, then{msg: `kind: failed on "required"`}},
		{"bad_kind", model.JobRequest{Kind: "REBOOT", Secret: "pw"}, then{msg: `kind: failed on "oneof"`}},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			err := tc.given.Validate()
			if tc.then.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.ErrorIs(t, err, model.ErrValidation)
			require.ErrorContains(t, err, tc.then.msg)
		})
	}
}

func TestJobRequestLogValue(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	req := model.JobRequest{Kind: model.JobKindWipe, Target: "/dev/sdb", Method: model.WipeMethodZero, Secret: "hunter2"}
	logger.Info("submit", "request", req)
	require.Contains(t, buf.String(), "/dev/sdb")
	require.NotContains(t, buf.String(), "hunter2")
	require.NotContains(t, req.String(), "hunter2")
}

func TestParseJobKind(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"WIPE", "wipe", " Wipe "} {
		k, err := model.ParseJobKind(s)
		require.NoError(t, err)
		require.Equal(t, model.JobKindWipe, k)
	}
	for _, s := range []string{"FACTORY_RESET", "factory-reset", "factory_reset"} {
		k, err := model.ParseJobKind(s)
		require.NoError(t, err)
		require.Equal(t, model.JobKindFactoryReset, k)
	}
	_, err := model.ParseJobKind("format")
	require.ErrorIs(t, err, model.ErrValidation)

	require.Equal(t, "factory-reset", model.JobKindFactoryReset.Slug())
	require.Equal(t, "wipe", model.JobKindWipe.Slug())
}

func TestWipeMethod(t *testing.T) {
	t.Parallel()
	m, err := model.ParseWipeMethod("random")
	require.NoError(t, err)
	require.Equal(t, model.WipeMethodRandom, m)
	require.Equal(t, "2", m.Code())
	require.Equal(t, "1", model.WipeMethodZero.Code())

	_, err = model.ParseWipeMethod("gutmann")
	require.ErrorIs(t, err, model.ErrValidation)
}
