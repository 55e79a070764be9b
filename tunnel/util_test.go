package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHost(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a.example", want: "a.example"},
		{in: "A.Example", want: "a.example"},
		{in: "a.example:8080", want: "a.example"},
		{in: "LOCALHOST:80", want: "localhost"},
		{in: "", wantErr: true},
		{in: ":8080", wantErr: true},
		{in: "a b.example", wantErr: true},
	}

	for _, c := range cases {
		got, err := NormalizeHost(c.in)
		if c.wantErr {
			assert.Error(t, err, "input %q", c.in)
			continue
		}
		assert.NoError(t, err, "input %q", c.in)
		assert.Equal(t, c.want, got, "input %q", c.in)
	}
}

func TestRemoteIP(t *testing.T) {
	assert.Equal(t, "203.0.113.7", remoteIP("203.0.113.7:51424"))
	assert.Equal(t, "::1", remoteIP("[::1]:1234"))
	assert.Equal(t, "203.0.113.7", remoteIP("203.0.113.7"))
}
