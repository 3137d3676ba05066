package collector

import "testing"

func TestConnectionsURLNormalization(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"http://localhost:9090", "ws://localhost:9090/connections"},
		{"https://clash.example:9090", "wss://clash.example:9090/connections"},
		{"ws://localhost:9090/connections", "ws://localhost:9090/connections"},
		{"http://localhost:9090/", "ws://localhost:9090/connections"},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := connectionsURL(tc.in)
			if err != nil {
				t.Fatalf("connectionsURL(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("connectionsURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDecodeFrameAuthorityIsConnectionsArray(t *testing.T) {
	payload := []byte(`{
		"downloadTotal": 999999,
		"uploadTotal": 999999,
		"connections": [
			{"id":"c1","upload":100,"download":200,"start":"2024-01-01T00:00:00Z",
			 "chains":["Proxy","DIRECT"],"rule":"MATCH",
			 "metadata":{"host":"a.example","destinationIP":"1.1.1.1","sourceIP":"10.0.0.1"}}
		]
	}`)

	var f frame
	if err := decodeFrame(payload, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}

	snaps := f.toSnapshots()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if snaps[0].UploadBytes != 100 || snaps[0].DownloadBytes != 200 {
		t.Fatalf("expected snapshot bytes from connections[], not top-level totals, got %+v", snaps[0])
	}
}

func TestDecodeFrameRejectsEmptyPayload(t *testing.T) {
	var f frame
	if err := decodeFrame([]byte("  "), &f); err == nil {
		t.Fatalf("expected error decoding empty payload")
	}
}
