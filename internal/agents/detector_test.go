package agents

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDetector(installed map[string]string) *Detector {
	return &Detector{
		lookPath: func(bin string) (string, error) {
			if p, ok := installed[bin]; ok {
				return p, nil
			}
			return "", errors.New("not found")
		},
		version: func(path string) string { return "1.0.0" },
	}
}

func TestScan(t *testing.T) {
	d := fakeDetector(map[string]string{"gemini": "/usr/bin/gemini"})

	agents := d.Scan()
	require.Len(t, agents, 3)
	assert.Equal(t, "offline", agents[0].Status)
	assert.True(t, agents[1].Online())
	assert.Equal(t, "/usr/bin/gemini", agents[1].Path)
	assert.Equal(t, "1.0.0", agents[1].Version)
}

func TestPreferred(t *testing.T) {
	d := fakeDetector(map[string]string{"codex": "/bin/codex", "claude": "/bin/claude"})
	a, ok := d.Preferred()
	require.True(t, ok)
	assert.Equal(t, "claude", a.Binary)

	_, ok = fakeDetector(nil).Preferred()
	assert.False(t, ok)
}

func TestFindUnknownBinary(t *testing.T) {
	d := fakeDetector(map[string]string{"my-llm": "/opt/my-llm"})
	a := d.Find("my-llm")
	assert.True(t, a.Online())
	assert.Equal(t, "my-llm", a.ID)
}
