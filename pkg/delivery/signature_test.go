package delivery

import "testing"

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"groupId":"g"}`)
	tests := []struct {
		name      string
		signature string
		secret    string
		want      bool
	}{
		{"valid signature", Sign(body, "mysecret"), "mysecret", true},
		{"wrong secret", Sign(body, "other"), "mysecret", false},
		{"invalid signature", "sha256=invalid", "mysecret", false},
		{"missing sha256 prefix", "invalid", "mysecret", false},
		{"empty secret rejects signature", Sign(body, ""), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(body, tt.signature, tt.secret); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}
