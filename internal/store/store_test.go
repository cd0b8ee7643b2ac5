package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func seedOrg(t *testing.T, s *Store, messageQuota int) *Organization {
	t.Helper()
	org := &Organization{
		Name:         "acme-" + t.Name(),
		DomainQuota:  5,
		MessageQuota: messageQuota,
		BillingEmail: "billing@acme.test",
	}
	if err := s.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("CreateOrganization() error = %v", err)
	}
	return org
}

func seedDomain(t *testing.T, s *Store, orgID int64, name string) *Domain {
	t.Helper()
	d, err := s.CreateDomain(context.Background(), orgID, name, "mailhop")
	if err != nil {
		t.Fatalf("CreateDomain(%s) error = %v", name, err)
	}
	return d
}

func seedMessage(t *testing.T, s *Store, d *Domain, aliasID *int64) *Message {
	t.Helper()
	msg := &Message{
		MessageID: "<test@origin.example>",
		DomainID:  d.ID,
		AliasID:   aliasID,
		Sender:    "sender@origin.example",
		Recipient: "hello@" + d.Name,
		ForwardTo: "inbox@target.example",
		Subject:   "test",
		Size:      1024,
	}
	if err := s.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	return msg
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)

	// Running migrations again must be a no-op.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusAccepted, StatusForwarding, true},
		{StatusAccepted, StatusRejected, true},
		{StatusAccepted, StatusDelivered, false},
		{StatusAccepted, StatusBounced, false},
		{StatusForwarding, StatusForwarding, true},
		{StatusForwarding, StatusDelivered, true},
		{StatusForwarding, StatusBounced, true},
		{StatusForwarding, StatusFailed, true},
		{StatusForwarding, StatusAccepted, false},
		{StatusForwarding, StatusRejected, false},
		{StatusDelivered, StatusForwarding, false},
		{StatusBounced, StatusForwarding, false},
		{StatusFailed, StatusForwarding, false},
		{StatusRejected, StatusForwarding, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusDelivered, StatusBounced, StatusFailed, StatusRejected}
	for _, st := range terminal {
		if !st.IsTerminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	for _, st := range []Status{StatusAccepted, StatusForwarding} {
		if st.IsTerminal() {
			t.Errorf("%s should not be terminal", st)
		}
	}
}

func TestOrganizationCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org := seedOrg(t, s, 100)

	t.Run("get by id", func(t *testing.T) {
		got, err := s.GetOrganization(ctx, org.ID)
		if err != nil {
			t.Fatalf("GetOrganization() error = %v", err)
		}
		if got.Name != org.Name || got.MessageQuota != 100 {
			t.Errorf("got %+v, want name=%s quota=100", got, org.Name)
		}
		if got.Plan != "free" {
			t.Errorf("Plan = %q, want free default", got.Plan)
		}
	})

	t.Run("get by name", func(t *testing.T) {
		got, err := s.GetOrganizationByName(ctx, org.Name)
		if err != nil {
			t.Fatalf("GetOrganizationByName() error = %v", err)
		}
		if got.ID != org.ID {
			t.Errorf("ID = %d, want %d", got.ID, org.ID)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.GetOrganization(ctx, 99999)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("duplicate name", func(t *testing.T) {
		dup := &Organization{Name: org.Name, DomainQuota: 1, MessageQuota: 1}
		err := s.CreateOrganization(ctx, dup)
		if !errors.Is(err, ErrConflict) {
			t.Errorf("error = %v, want ErrConflict", err)
		}
	})

	t.Run("list", func(t *testing.T) {
		orgs, err := s.ListOrganizations(ctx)
		if err != nil {
			t.Fatalf("ListOrganizations() error = %v", err)
		}
		if len(orgs) != 1 {
			t.Errorf("len = %d, want 1", len(orgs))
		}
	})
}

func TestDomainLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, 100)

	d := seedDomain(t, s, org.ID, "Example.COM")

	t.Run("name is normalized", func(t *testing.T) {
		if d.Name != "example.com" {
			t.Errorf("Name = %q, want example.com", d.Name)
		}
		if d.Verification != VerifyUnverified {
			t.Errorf("Verification = %q, want unverified", d.Verification)
		}
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		_, err := s.CreateDomain(ctx, org.ID, "example.com", "mailhop")
		if !errors.Is(err, ErrConflict) {
			t.Errorf("error = %v, want ErrConflict", err)
		}
	})

	t.Run("catch-all set and clear", func(t *testing.T) {
		if err := s.SetCatchAll(ctx, d.ID, "All@Target.example"); err != nil {
			t.Fatalf("SetCatchAll() error = %v", err)
		}
		got, err := s.GetDomainByID(ctx, d.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.CatchAll != "all@target.example" {
			t.Errorf("CatchAll = %q, want all@target.example", got.CatchAll)
		}

		if err := s.SetCatchAll(ctx, d.ID, ""); err != nil {
			t.Fatalf("SetCatchAll(clear) error = %v", err)
		}
		got, _ = s.GetDomainByID(ctx, d.ID)
		if got.CatchAll != "" {
			t.Errorf("CatchAll = %q, want empty after clear", got.CatchAll)
		}
	})

	t.Run("verification state", func(t *testing.T) {
		if err := s.SetVerificationState(ctx, d.ID, VerifyPartial); err != nil {
			t.Fatalf("SetVerificationState() error = %v", err)
		}
		got, _ := s.GetDomainByID(ctx, d.ID)
		if got.Verification != VerifyPartial {
			t.Errorf("Verification = %q, want partial", got.Verification)
		}
	})

	t.Run("domain quota enforced", func(t *testing.T) {
		small := &Organization{Name: "tiny", DomainQuota: 1, MessageQuota: 10}
		if err := s.CreateOrganization(ctx, small); err != nil {
			t.Fatal(err)
		}
		if _, err := s.CreateDomain(ctx, small.ID, "one.example", "mailhop"); err != nil {
			t.Fatal(err)
		}
		_, err := s.CreateDomain(ctx, small.ID, "two.example", "mailhop")
		if !errors.Is(err, ErrQuotaExceeded) {
			t.Errorf("error = %v, want ErrQuotaExceeded", err)
		}
	})

	t.Run("soft delete releases name and deactivates aliases", func(t *testing.T) {
		if _, err := s.CreateAlias(ctx, d.ID, "hello", []string{"t@x.example"}, nil); err != nil {
			t.Fatal(err)
		}

		if err := s.SoftDeleteDomain(ctx, d.ID); err != nil {
			t.Fatalf("SoftDeleteDomain() error = %v", err)
		}

		if _, err := s.GetDomain(ctx, "example.com"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetDomain after delete = %v, want ErrNotFound", err)
		}
		if _, err := s.LookupAlias(ctx, "hello", "example.com"); !errors.Is(err, ErrNotFound) {
			t.Errorf("LookupAlias after delete = %v, want ErrNotFound", err)
		}

		// Name becomes reusable.
		if _, err := s.CreateDomain(ctx, org.ID, "example.com", "mailhop"); err != nil {
			t.Errorf("recreate after soft delete error = %v", err)
		}
	})
}

func TestLookupAlias(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, 100)
	d := seedDomain(t, s, org.ID, "example.com")

	if _, err := s.CreateAlias(ctx, d.ID, "Hello", []string{"Inbox@Target.example", "second@other.example"}, nil); err != nil {
		t.Fatalf("CreateAlias() error = %v", err)
	}

	t.Run("case-insensitive both parts", func(t *testing.T) {
		variants := []struct{ local, domain string }{
			{"hello", "example.com"},
			{"HELLO", "example.com"},
			{"Hello", "EXAMPLE.COM"},
			{"hElLo", "ExAmPlE.cOm"},
		}
		for _, v := range variants {
			m, err := s.LookupAlias(ctx, v.local, v.domain)
			if err != nil {
				t.Fatalf("LookupAlias(%s, %s) error = %v", v.local, v.domain, err)
			}
			if m.Alias.LocalPart != "hello" {
				t.Errorf("LocalPart = %q, want hello", m.Alias.LocalPart)
			}
			if len(m.Alias.Targets) != 2 || m.Alias.Targets[0] != "inbox@target.example" {
				t.Errorf("Targets = %v, want lowered ordered pair", m.Alias.Targets)
			}
			if m.Domain.ID != d.ID || m.Organization.ID != org.ID {
				t.Errorf("joined rows wrong: domain=%d org=%d", m.Domain.ID, m.Organization.ID)
			}
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := s.LookupAlias(ctx, "nobody", "example.com")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("inactive is unknown", func(t *testing.T) {
		a, err := s.CreateAlias(ctx, d.ID, "gone", []string{"x@y.example"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.DeactivateAlias(ctx, a.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.LookupAlias(ctx, "gone", "example.com"); !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("expired is unknown", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		if _, err := s.CreateAlias(ctx, d.ID, "expired", []string{"x@y.example"}, &past); err != nil {
			t.Fatal(err)
		}
		if _, err := s.LookupAlias(ctx, "expired", "example.com"); !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}

		future := time.Now().Add(time.Hour)
		if _, err := s.CreateAlias(ctx, d.ID, "fresh", []string{"x@y.example"}, &future); err != nil {
			t.Fatal(err)
		}
		if _, err := s.LookupAlias(ctx, "fresh", "example.com"); err != nil {
			t.Errorf("unexpired alias should resolve, got %v", err)
		}
	})

	t.Run("duplicate local part conflicts", func(t *testing.T) {
		if _, err := s.CreateAlias(ctx, d.ID, "HELLO", []string{"x@y.example"}, nil); !errors.Is(err, ErrConflict) {
			t.Errorf("error = %v, want ErrConflict (case-folded uniqueness)", err)
		}
	})

	t.Run("no targets rejected", func(t *testing.T) {
		if _, err := s.CreateAlias(ctx, d.ID, "empty", nil, nil); err == nil {
			t.Error("CreateAlias with no targets should fail")
		}
	})
}

func TestLookupCatchAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, 100)
	d := seedDomain(t, s, org.ID, "example.com")

	t.Run("no catch-all configured", func(t *testing.T) {
		_, err := s.LookupCatchAll(ctx, "example.com")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("configured", func(t *testing.T) {
		if err := s.SetCatchAll(ctx, d.ID, "all@sink.example"); err != nil {
			t.Fatal(err)
		}
		m, err := s.LookupCatchAll(ctx, "EXAMPLE.com")
		if err != nil {
			t.Fatalf("LookupCatchAll() error = %v", err)
		}
		if m.Target != "all@sink.example" {
			t.Errorf("Target = %q, want all@sink.example", m.Target)
		}
		if m.Organization.ID != org.ID {
			t.Errorf("Organization.ID = %d, want %d", m.Organization.ID, org.ID)
		}
	})

	t.Run("unmanaged domain", func(t *testing.T) {
		_, err := s.LookupCatchAll(ctx, "stranger.example")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestMessageStatusMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, 100)
	d := seedDomain(t, s, org.ID, "example.com")

	t.Run("valid path accepted to delivered", func(t *testing.T) {
		msg := seedMessage(t, s, d, nil)

		steps := []Status{StatusForwarding, StatusForwarding, StatusDelivered}
		for _, next := range steps {
			if err := s.UpdateMessageStatus(ctx, msg.ID, next, ""); err != nil {
				t.Fatalf("transition to %s error = %v", next, err)
			}
		}

		got, err := s.GetMessage(ctx, msg.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusDelivered {
			t.Errorf("Status = %s, want delivered", got.Status)
		}
		if got.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2 (one per forwarding transition)", got.Attempts)
		}
	})

	t.Run("invalid jump rejected", func(t *testing.T) {
		msg := seedMessage(t, s, d, nil)

		err := s.UpdateMessageStatus(ctx, msg.ID, StatusDelivered, "")
		if !errors.Is(err, ErrBadTransition) {
			t.Fatalf("error = %v, want ErrBadTransition", err)
		}

		// Nothing was written.
		got, _ := s.GetMessage(ctx, msg.ID)
		if got.Status != StatusAccepted {
			t.Errorf("Status = %s, want accepted (unchanged)", got.Status)
		}
	})

	t.Run("terminal states frozen", func(t *testing.T) {
		msg := seedMessage(t, s, d, nil)
		if err := s.UpdateMessageStatus(ctx, msg.ID, StatusRejected, "policy"); err != nil {
			t.Fatal(err)
		}

		for _, next := range []Status{StatusForwarding, StatusDelivered, StatusAccepted} {
			if err := s.UpdateMessageStatus(ctx, msg.ID, next, ""); !errors.Is(err, ErrBadTransition) {
				t.Errorf("rejected -> %s error = %v, want ErrBadTransition", next, err)
			}
		}
	})

	t.Run("last error recorded", func(t *testing.T) {
		msg := seedMessage(t, s, d, nil)
		if err := s.UpdateMessageStatus(ctx, msg.ID, StatusForwarding, ""); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateMessageStatus(ctx, msg.ID, StatusFailed, "transient: exhausted retries"); err != nil {
			t.Fatal(err)
		}
		got, _ := s.GetMessage(ctx, msg.ID)
		if got.LastError != "transient: exhausted retries" {
			t.Errorf("LastError = %q", got.LastError)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		err := s.UpdateMessageStatus(ctx, "no-such-id", StatusForwarding, "")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestMessageQuota(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, 2)
	d := seedDomain(t, s, org.ID, "example.com")

	// Two messages fit the quota.
	seedMessage(t, s, d, nil)
	seedMessage(t, s, d, nil)

	t.Run("advisory check denies", func(t *testing.T) {
		ok, err := s.QuotaCheck(ctx, org.ID, QuotaMessages)
		if err != nil {
			t.Fatalf("QuotaCheck() error = %v", err)
		}
		if ok {
			t.Error("QuotaCheck should deny at limit")
		}
	})

	t.Run("denied create commits nothing", func(t *testing.T) {
		msg := &Message{
			MessageID: "<over@origin.example>",
			DomainID:  d.ID,
			Sender:    "sender@origin.example",
			Recipient: "hello@example.com",
			ForwardTo: "inbox@target.example",
		}
		err := s.CreateMessage(ctx, msg)
		if !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("error = %v, want ErrQuotaExceeded", err)
		}

		if _, err := s.GetMessage(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("denied message should not exist, got %v", err)
		}

		used, err := s.PeriodUsage(ctx, org.ID, BillingPeriod(time.Now()), QuotaMessages)
		if err != nil {
			t.Fatal(err)
		}
		if used != 2 {
			t.Errorf("used = %d, want 2 (denial must not consume)", used)
		}
	})

	t.Run("children do not consume quota", func(t *testing.T) {
		parent, err := s.GetMessage(ctx, firstMessageID(t, s, d))
		if err != nil {
			t.Fatal(err)
		}
		child, err := s.CreateChildMessage(ctx, parent, "second@other.example")
		if err != nil {
			t.Fatalf("CreateChildMessage() error = %v", err)
		}
		if child.ParentID != parent.ID {
			t.Errorf("ParentID = %q, want %q", child.ParentID, parent.ID)
		}
		if child.MessageID != parent.MessageID {
			t.Errorf("MessageID = %q, want shared %q", child.MessageID, parent.MessageID)
		}

		used, _ := s.PeriodUsage(ctx, org.ID, BillingPeriod(time.Now()), QuotaMessages)
		if used != 2 {
			t.Errorf("used = %d, want 2 (fanout children share the acceptance)", used)
		}
	})
}

func firstMessageID(t *testing.T, s *Store, d *Domain) string {
	t.Helper()
	msgs, err := s.ListMessages(context.Background(), d.ID, 100)
	if err != nil || len(msgs) == 0 {
		t.Fatalf("ListMessages() = %v, %v", msgs, err)
	}
	return msgs[len(msgs)-1].ID
}

func TestDKIMKeyRotation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, 100)
	d := seedDomain(t, s, org.ID, "example.com")

	t.Run("no key yet", func(t *testing.T) {
		_, err := s.GetDKIMKey(ctx, d.ID)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	first := &DKIMKey{DomainID: d.ID, Selector: "mailhop", PrivateKeyPEM: "PEM-1", PublicRecord: "v=DKIM1; k=rsa; p=AAA"}
	if err := s.CreateDKIMKey(ctx, first); err != nil {
		t.Fatalf("CreateDKIMKey() error = %v", err)
	}

	second := &DKIMKey{DomainID: d.ID, Selector: "mailhop", PrivateKeyPEM: "PEM-2", PublicRecord: "v=DKIM1; k=rsa; p=BBB"}
	if err := s.CreateDKIMKey(ctx, second); err != nil {
		t.Fatalf("CreateDKIMKey(rotate) error = %v", err)
	}

	t.Run("active key is the newest", func(t *testing.T) {
		active, err := s.GetDKIMKey(ctx, d.ID)
		if err != nil {
			t.Fatal(err)
		}
		if active.PrivateKeyPEM != "PEM-2" {
			t.Errorf("active key = %q, want PEM-2", active.PrivateKeyPEM)
		}
	})

	t.Run("retired key kept", func(t *testing.T) {
		keys, err := s.ListDKIMKeys(ctx, d.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 2 {
			t.Fatalf("len(keys) = %d, want 2", len(keys))
		}
		var activeCount int
		for _, k := range keys {
			if k.IsActive {
				activeCount++
			} else if k.RetiredAt == nil {
				t.Error("retired key missing retired_at")
			}
		}
		if activeCount != 1 {
			t.Errorf("activeCount = %d, want exactly 1", activeCount)
		}
	})
}

func TestRecordDNSSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, 100)
	d := seedDomain(t, s, org.ID, "example.com")

	snap := &Snapshot{
		DomainID:   d.ID,
		RecordType: RecordMX,
		Pass:       false,
		Expected:   "10 mx.mailhop.example",
		Actual:     "",
		Detail:     "no MX records",
	}
	if err := s.RecordDNSSnapshot(ctx, snap); err != nil {
		t.Fatalf("RecordDNSSnapshot() error = %v", err)
	}

	// Second observation replaces the current snapshot.
	snap.Pass = true
	snap.Actual = "10 mx.mailhop.example"
	snap.Detail = ""
	if err := s.RecordDNSSnapshot(ctx, snap); err != nil {
		t.Fatalf("RecordDNSSnapshot(upsert) error = %v", err)
	}

	t.Run("one current row per type", func(t *testing.T) {
		snaps, err := s.GetSnapshots(ctx, d.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(snaps) != 1 {
			t.Fatalf("len = %d, want 1", len(snaps))
		}
		if !snaps[RecordMX].Pass {
			t.Error("current snapshot should reflect the latest observation")
		}
	})

	t.Run("history appended", func(t *testing.T) {
		n, err := s.SnapshotHistoryCount(ctx, d.ID, RecordMX)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("history count = %d, want 2", n)
		}
	})

	t.Run("history pruned at retention bound", func(t *testing.T) {
		for i := 0; i < snapshotHistoryKeep+10; i++ {
			if err := s.RecordDNSSnapshot(ctx, snap); err != nil {
				t.Fatal(err)
			}
		}
		n, err := s.SnapshotHistoryCount(ctx, d.ID, RecordMX)
		if err != nil {
			t.Fatal(err)
		}
		if n != snapshotHistoryKeep {
			t.Errorf("history count = %d, want %d", n, snapshotHistoryKeep)
		}
	})
}

func TestStaleForwarding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, 100)
	d := seedDomain(t, s, org.ID, "example.com")

	stuck := seedMessage(t, s, d, nil)
	if err := s.UpdateMessageStatus(ctx, stuck.ID, StatusForwarding, ""); err != nil {
		t.Fatal(err)
	}

	fresh := seedMessage(t, s, d, nil)
	if err := s.UpdateMessageStatus(ctx, fresh.ID, StatusForwarding, ""); err != nil {
		t.Fatal(err)
	}

	// Age the stuck record past the window.
	if _, err := s.DB().ExecContext(ctx,
		"UPDATE messages SET updated_at = datetime('now', '-1 hour') WHERE id = ?",
		stuck.ID,
	); err != nil {
		t.Fatal(err)
	}

	got, err := s.StaleForwarding(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("StaleForwarding() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].ID != stuck.ID {
		t.Errorf("ID = %s, want %s", got[0].ID, stuck.ID)
	}
}

func TestStaleAccepted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, 100)
	d := seedDomain(t, s, org.ID, "example.com")

	orphan := seedMessage(t, s, d, nil)
	seedMessage(t, s, d, nil) // fresh accepted record stays out of the scan

	forwarding := seedMessage(t, s, d, nil)
	if err := s.UpdateMessageStatus(ctx, forwarding.ID, StatusForwarding, ""); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{orphan.ID, forwarding.ID} {
		if _, err := s.DB().ExecContext(ctx,
			"UPDATE messages SET updated_at = datetime('now', '-1 hour') WHERE id = ?", id,
		); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.StaleAccepted(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("StaleAccepted() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (only the accepted orphan)", len(got))
	}
	if got[0].ID != orphan.ID {
		t.Errorf("ID = %s, want %s", got[0].ID, orphan.ID)
	}
}

func TestSpoolInUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, 100)
	d := seedDomain(t, s, org.ID, "example.com")

	parent := seedMessage(t, s, d, nil)
	if _, err := s.DB().ExecContext(ctx,
		"UPDATE messages SET spool_path = ? WHERE id = ?", "/spool/shared.eml", parent.ID,
	); err != nil {
		t.Fatal(err)
	}
	parent.SpoolPath = "/spool/shared.eml"

	child, err := s.CreateChildMessage(ctx, parent, "second@target.example")
	if err != nil {
		t.Fatal(err)
	}

	inUse, err := s.SpoolInUse(ctx, "/spool/shared.eml")
	if err != nil {
		t.Fatalf("SpoolInUse() error = %v", err)
	}
	if !inUse {
		t.Fatal("SpoolInUse = false with two live records")
	}

	// Settle the parent; the child still holds the file.
	if err := s.UpdateMessageStatus(ctx, parent.ID, StatusForwarding, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateMessageStatus(ctx, parent.ID, StatusDelivered, ""); err != nil {
		t.Fatal(err)
	}
	if inUse, _ := s.SpoolInUse(ctx, "/spool/shared.eml"); !inUse {
		t.Fatal("SpoolInUse = false while the fanout child is still pending")
	}

	// Settle the child too; nothing references the file anymore.
	if err := s.UpdateMessageStatus(ctx, child.ID, StatusForwarding, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateMessageStatus(ctx, child.ID, StatusBounced, "550 no"); err != nil {
		t.Fatal(err)
	}
	if inUse, _ := s.SpoolInUse(ctx, "/spool/shared.eml"); inUse {
		t.Error("SpoolInUse = true after every record settled")
	}

	if inUse, _ := s.SpoolInUse(ctx, "/spool/unknown.eml"); inUse {
		t.Error("SpoolInUse = true for a path no record carries")
	}
}

func TestBillingPeriod(t *testing.T) {
	ts := time.Date(2026, time.March, 31, 23, 59, 0, 0, time.UTC)
	if got := BillingPeriod(ts); got != "2026-03" {
		t.Errorf("BillingPeriod = %q, want 2026-03", got)
	}
}
