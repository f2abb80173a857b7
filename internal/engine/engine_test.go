package engine

import (
	"context"
	"errors"
	"testing"
)

func TestAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    Amount
		str     string
		wantErr bool
	}{
		{"1", Coin, "1.00000000", false},
		{"1.5", Coin + Coin/2, "1.50000000", false},
		{"0.00000001", 1, "0.00000001", false},
		{".25", Coin / 4, "0.25000000", false},
		{"1.123456789", 0, "", true},
		{"abc", 0, "", true},
		{"-1", 0, "", true},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAmount(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAmount(%q) = %d, want %d", tt.in, got, tt.want)
		}
		if got.String() != tt.str {
			t.Errorf("Amount(%d).String() = %q, want %q", got, got.String(), tt.str)
		}
	}
}

func TestDegraded_EveryOperationUnavailable(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("database locked")
	d := NewDegraded("chain store unavailable", cause)

	checks := map[string]error{}
	_, checks["CreateWallet"] = d.CreateWallet(ctx, "u", "p")
	_, checks["GetBalance"] = d.GetBalance(ctx, "a")
	_, checks["GetWallet"] = d.GetWallet(ctx, "a", "p")
	_, checks["AddressForUser"] = d.AddressForUser(ctx, "u")
	_, checks["CreateTransaction"] = d.CreateTransaction(ctx, TxRequest{})
	_, checks["AddTransactionToMempool"] = d.AddTransactionToMempool(ctx, &Transaction{})
	_, checks["GetTransactionsForAddress"] = d.GetTransactionsForAddress(ctx, "a", 10)
	_, checks["CreateGenesis"] = d.CreateGenesis(ctx)
	checks["StartMining"] = d.StartMining(ctx, "a")
	checks["StopMining"] = d.StopMining(ctx)
	checks["ApplyBlock"] = d.ApplyBlock(ctx, &Block{})
	checks["SaveState"] = d.SaveState(ctx)

	for op, err := range checks {
		var uerr *UnavailableError
		if !errors.As(err, &uerr) {
			t.Errorf("%s error = %v, want *UnavailableError", op, err)
			continue
		}
		if !IsUnavailable(err) || !errors.Is(err, cause) {
			t.Errorf("%s error does not match ErrUnavailable and its cause", op)
		}
	}

	st, err := d.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if st.Active {
		t.Error("degraded Status().Active = true")
	}
	if st.Message != "chain store unavailable: database locked" {
		t.Errorf("Status().Message = %q", st.Message)
	}
}

func TestSubscribers(t *testing.T) {
	var s Subscribers
	var got []EventType
	unsub := s.Add(EventNewBlock, func(ev Event) { got = append(got, ev.Type) })
	s.Add(EventNewTransaction, func(ev Event) { got = append(got, ev.Type) })

	s.Emit(Event{Type: EventNewBlock, Block: &Block{}})
	s.Emit(Event{Type: EventError, Err: errors.New("x")})
	unsub()
	s.Emit(Event{Type: EventNewBlock, Block: &Block{}})
	s.Emit(Event{Type: EventNewTransaction, Tx: &Transaction{}})

	if len(got) != 2 || got[0] != EventNewBlock || got[1] != EventNewTransaction {
		t.Errorf("delivered = %v", got)
	}
}
