package dim_test

import (
	"errors"
	"testing"

	"github.com/dim-network/godim/internal/dim"
)

func TestNewAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		network dim.EntityType
	}{
		{name: "user", network: dim.TypeUser},
		{name: "group", network: dim.TypeGroup},
		{name: "station", network: dim.TypeStation},
		{name: "bot", network: dim.TypeBot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			addr := dim.NewAddress(tt.network, []byte("seed-"+tt.name))

			if !addr.Valid() {
				t.Fatalf("NewAddress(%v) produced invalid address %q", tt.network, addr)
			}
			if got := addr.Network(); got != tt.network {
				t.Errorf("Network() = %v, want %v", got, tt.network)
			}
			if addr.IsBroadcast() {
				t.Errorf("concrete address %q reported as broadcast", addr)
			}
		})
	}
}

func TestAddressValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		addr dim.Address
		want bool
	}{
		{name: "anywhere", addr: dim.AddressAnywhere, want: true},
		{name: "everywhere", addr: dim.AddressEverywhere, want: true},
		{name: "generated", addr: dim.NewAddress(dim.TypeUser, []byte("moki")), want: true},
		{name: "empty", addr: "", want: false},
		{name: "not base58", addr: "0OIl+/", want: false},
		{name: "truncated", addr: "3JQ5", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.addr.Valid(); got != tt.want {
				t.Errorf("Valid(%q) = %t, want %t", tt.addr, got, tt.want)
			}
		})
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()

	alice := dim.NewID("alice", dim.TypeUser, []byte("alice-key"))

	tests := []struct {
		name    string
		in      string
		want    dim.ID
		wantErr error
	}{
		{
			name: "named user",
			in:   alice.String(),
			want: alice,
		},
		{
			name: "with terminal",
			in:   alice.String() + "/home",
			want: dim.ID{Name: "alice", Address: alice.Address, Terminal: "home"},
		},
		{
			name: "anonymous address",
			in:   string(alice.Address),
			want: dim.ID{Address: alice.Address},
		},
		{
			name: "broadcast anyone",
			in:   "anyone@anywhere",
			want: dim.Anyone,
		},
		{
			name: "broadcast stations",
			in:   "stations@everywhere",
			want: dim.EveryStation,
		},
		{
			name:    "empty",
			in:      "",
			wantErr: dim.ErrEmptyID,
		},
		{
			name:    "bad address",
			in:      "alice@notbase58check",
			wantErr: dim.ErrBadAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := dim.ParseID(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseID(%q) error = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseID(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseID(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want round trip of %q", got.String(), tt.in)
			}
		})
	}
}

func TestIDEqualIgnoresTerminal(t *testing.T) {
	t.Parallel()

	base := dim.NewID("bob", dim.TypeUser, []byte("bob-key"))
	home := base
	home.Terminal = "home"
	office := base
	office.Terminal = "office"

	if !home.Equal(office) {
		t.Error("same account with different terminals compared unequal")
	}
	if got := home.Bare(); got != base {
		t.Errorf("Bare() = %+v, want %+v", got, base)
	}

	other := dim.NewID("bob", dim.TypeUser, []byte("other-key"))
	if base.Equal(other) {
		t.Error("different addresses compared equal")
	}
}

func TestIDGrouping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		id      dim.ID
		isGroup bool
	}{
		{name: "user", id: dim.NewID("alice", dim.TypeUser, []byte("a")), isGroup: false},
		{name: "station", id: dim.NewID("gsp", dim.TypeStation, []byte("s")), isGroup: false},
		{name: "group", id: dim.NewID("club", dim.TypeGroup, []byte("g")), isGroup: true},
		{name: "everyone", id: dim.Everyone, isGroup: true},
		{name: "every station", id: dim.EveryStation, isGroup: true},
		{name: "anyone", id: dim.Anyone, isGroup: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.id.IsGroup(); got != tt.isGroup {
				t.Errorf("IsGroup() = %t, want %t", got, tt.isGroup)
			}
			if got := tt.id.IsUser(); got != !tt.isGroup {
				t.Errorf("IsUser() = %t, want %t", got, !tt.isGroup)
			}
		})
	}
}

func TestConvertIDsSkipsInvalid(t *testing.T) {
	t.Parallel()

	alice := dim.NewID("alice", dim.TypeUser, []byte("alice-key"))
	bob := dim.NewID("bob", dim.TypeUser, []byte("bob-key"))

	in := []string{alice.String(), "broken@@nothing", bob.String(), ""}
	got := dim.ConvertIDs(in)

	if len(got) != 2 {
		t.Fatalf("ConvertIDs returned %d IDs, want 2", len(got))
	}
	if !got[0].Equal(alice) || !got[1].Equal(bob) {
		t.Errorf("ConvertIDs = %v, want [%v %v]", got, alice, bob)
	}

	back := dim.RevertIDs(got)
	if back[0] != alice.String() || back[1] != bob.String() {
		t.Errorf("RevertIDs = %v", back)
	}
}
