package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    *URL
		wantErr bool
	}{
		{
			name: "ipc path",
			raw:  "ipc:///tmp/fdbus-demo",
			want: &URL{Scheme: SchemeIPC, Path: "/tmp/fdbus-demo"},
		},
		{
			name:    "ipc empty path",
			raw:     "ipc://",
			wantErr: true,
		},
		{
			name: "tcp explicit port",
			raw:  "tcp://127.0.0.1:60000",
			want: &URL{Scheme: SchemeTCP, Host: "127.0.0.1", Port: 60000},
		},
		{
			name: "tcp autoselect star",
			raw:  "tcp://0.0.0.0:*",
			want: &URL{Scheme: SchemeTCP, Host: "0.0.0.0", Auto: true},
		},
		{
			name: "tcp autoselect zero",
			raw:  "tcp://0.0.0.0:0",
			want: &URL{Scheme: SchemeTCP, Host: "0.0.0.0", Auto: true},
		},
		{
			name: "tcp ipv6 bracketed host",
			raw:  "tcp://[::1]:8000",
			want: &URL{Scheme: SchemeTCP, Host: "::1", Port: 8000},
		},
		{
			name: "tcp ipv6 bracketed autoselect",
			raw:  "tcp://[::1]:*",
			want: &URL{Scheme: SchemeTCP, Host: "::1", Auto: true},
		},
		{
			name:    "tcp missing port",
			raw:     "tcp://127.0.0.1",
			wantErr: true,
		},
		{
			name:    "tcp bad port",
			raw:     "tcp://127.0.0.1:notaport",
			wantErr: true,
		},
		{
			name: "svc service name",
			raw:  "svc://my-service",
			want: &URL{Scheme: SchemeSvc, Service: "my-service"},
		},
		{
			name:    "svc empty name",
			raw:     "svc://",
			wantErr: true,
		},
		{
			name:    "missing scheme separator",
			raw:     "not-a-url",
			wantErr: true,
		},
		{
			name:    "unknown scheme",
			raw:     "ftp://host",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseURL(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestURL_String_RoundTripsScheme(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		u    *URL
		want string
	}{
		{name: "ipc", u: &URL{Scheme: SchemeIPC, Path: "/tmp/x"}, want: "ipc:///tmp/x"},
		{name: "tcp fixed port", u: &URL{Scheme: SchemeTCP, Host: "10.0.0.1", Port: 9000}, want: "tcp://10.0.0.1:9000"},
		{name: "tcp auto", u: &URL{Scheme: SchemeTCP, Host: "0.0.0.0", Auto: true}, want: "tcp://0.0.0.0:*"},
		{name: "tcp ipv6", u: &URL{Scheme: SchemeTCP, Host: "::1", Port: 1234}, want: "tcp://[::1]:1234"},
		{name: "svc", u: &URL{Scheme: SchemeSvc, Service: "foo"}, want: "svc://foo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.u.String())
		})
	}
}
