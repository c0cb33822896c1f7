package monitor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/onnwee/relay-tender/devices"
	"github.com/onnwee/relay-tender/otp"
	"github.com/onnwee/relay-tender/testutil"
)

const loginURL = "https://chat.example/auth/login"

type loginPage struct {
	email, password, submit *testutil.FakeNode
}

func newLoginSite() (*testutil.FakeSite, loginPage) {
	site := testutil.NewFakeSite()
	p := loginPage{email: testutil.Node(""), password: testutil.Node(""), submit: testutil.Node("Log in")}
	site.Set(loginURL, SelEmail, p.email)
	site.Set(loginURL, SelPassword, p.password)
	site.Set(loginURL, SelLoginSubmit, p.submit)
	return site, p
}

func newSiteLogin(site *testutil.FakeSite, fetcher otp.Fetcher) *SiteLogin {
	return &SiteLogin{
		Factory:          site.Factory(),
		OTP:              fetcher,
		LoginURL:         loginURL,
		Email:            "monitor@example.com",
		Password:         "hunter2",
		OTPPollInterval:  time.Millisecond,
		OTPMaxAttempts:   3,
		FormTimeout:      50 * time.Millisecond,
		ChallengeTimeout: 10 * time.Millisecond,
		WelcomeTimeout:   10 * time.Millisecond,
	}
}

type recordingHost struct{ prepared []devices.Device }

func (h *recordingHost) Prepare(ctx context.Context, dev devices.Device) error {
	h.prepared = append(h.prepared, dev)
	return nil
}

func TestLoginWithoutChallenge(t *testing.T) {
	site, page := newLoginSite()
	host := &recordingHost{}
	a := newSiteLogin(site, &testutil.FakeOTP{})
	a.Host = host

	dev := devices.NewPool(100).Device(0)
	sess, err := a.Login(context.Background(), dev)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	defer sess.Close()

	if got := site.Typed(page.email); got != "monitor@example.com" {
		t.Errorf("email typed %q", got)
	}
	if got := site.Typed(page.password); got != "hunter2" {
		t.Errorf("password typed %q", got)
	}
	if site.Clicks(page.submit) != 1 {
		t.Errorf("submit clicks = %d", site.Clicks(page.submit))
	}
	if len(host.prepared) != 1 || host.prepared[0] != dev {
		t.Errorf("device not prepared: %+v", host.prepared)
	}
}

func TestLoginAnswersChallenge(t *testing.T) {
	site, _ := newLoginSite()
	input, confirm := testutil.Node(""), testutil.Node("Confirm")
	modal := testutil.Node("Please verify your email address").
		With(SelModalInput, input).
		With(SelModalConfirm, confirm)
	site.Set(loginURL, SelVerifyModal, modal)
	mail := &testutil.FakeOTP{Codes: []string{"", "482913"}}

	sess, err := newSiteLogin(site, mail).Login(context.Background(), devices.Device{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	defer sess.Close()

	if got := site.Typed(input); got != "482913" {
		t.Errorf("code typed %q", got)
	}
	if site.Clicks(confirm) != 1 {
		t.Errorf("confirm clicks = %d", site.Clicks(confirm))
	}
	if mail.Calls() != 2 {
		t.Errorf("otp polls = %d, want 2", mail.Calls())
	}
}

func TestLoginIgnoresUnrelatedModal(t *testing.T) {
	site, _ := newLoginSite()
	site.Set(loginURL, SelVerifyModal, testutil.Node("Welcome back"))
	mail := &testutil.FakeOTP{}

	sess, err := newSiteLogin(site, mail).Login(context.Background(), devices.Device{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	sess.Close()
	if mail.Calls() != 0 {
		t.Errorf("mailbox polled for a non-verification modal")
	}
}

func TestLoginOTPExhausted(t *testing.T) {
	site, _ := newLoginSite()
	modal := testutil.Node("Verification required").With(SelModalInput, testutil.Node(""))
	site.Set(loginURL, SelVerifyModal, modal)
	mail := &testutil.FakeOTP{}

	_, err := newSiteLogin(site, mail).Login(context.Background(), devices.Device{})
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("want ErrAuthentication, got %v", err)
	}
	if Classify(err) != ActionRestartWorker {
		t.Errorf("Classify = %v", Classify(err))
	}
	if mail.Calls() != 3 {
		t.Errorf("otp polls = %d, want 3", mail.Calls())
	}
	sessions := site.Sessions()
	if len(sessions) != 1 || !sessions[0].Closed() {
		t.Error("failed login must close its session")
	}
}

func TestLoginClosesWelcomeModal(t *testing.T) {
	site, _ := newLoginSite()
	first, second := testutil.Node(""), testutil.Node("")
	site.Set(loginURL, SelWelcomeModal, testutil.Node("Welcome"))
	site.Set(loginURL, SelWelcomeClose, first, second)

	sess, err := newSiteLogin(site, &testutil.FakeOTP{}).Login(context.Background(), devices.Device{})
	if err != nil {
		t.Fatal(err)
	}
	sess.Close()
	if site.Clicks(second) != 1 || site.Clicks(first) != 0 {
		t.Errorf("clicks = %d/%d, want the second close button", site.Clicks(first), site.Clicks(second))
	}
}

func TestLoginMissingForm(t *testing.T) {
	site := testutil.NewFakeSite()
	sess, err := newSiteLogin(site, nil).Login(context.Background(), devices.Device{})
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("want ErrAuthentication, got %v", err)
	}
	if sess != nil {
		t.Errorf("failed login returned session %v", sess)
	}
	sessions := site.Sessions()
	if len(sessions) != 1 || !sessions[0].Closed() {
		t.Error("failed login must close its session")
	}
}

func TestLoginFactoryFailure(t *testing.T) {
	site, _ := newLoginSite()
	site.FactoryErr = errors.New("chrome not found")
	_, err := newSiteLogin(site, nil).Login(context.Background(), devices.Device{})
	if !errors.Is(err, ErrSessionDeath) {
		t.Fatalf("want ErrSessionDeath, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	api := testutil.NewMockSiteAPI(t)
	site, _ := newLoginSite()
	site.ScriptHook = func(url, js string) (any, error) {
		if js == scriptAuthToken {
			return `{"token":"tok-123","user":"u1"}`, nil
		}
		return nil, nil
	}
	a := newSiteLogin(site, nil)
	a.LogoutURL = api.MockLogout(http.StatusNoContent)
	sess, err := a.Login(context.Background(), devices.Device{})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	if err := a.Logout(context.Background(), sess); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if got := api.LogoutTokens(); len(got) != 1 || got[0] != "tok-123" {
		t.Errorf("tokens = %v", got)
	}

	api.MockLogout(http.StatusUnauthorized)
	if err := a.Logout(context.Background(), sess); err == nil {
		t.Error("expected error for non-204 logout")
	}
}

func TestLogoutWithoutToken(t *testing.T) {
	site, _ := newLoginSite()
	a := newSiteLogin(site, nil)
	sess, err := a.Login(context.Background(), devices.Device{})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	if err := a.Logout(context.Background(), sess); err == nil {
		t.Error("expected error when no token is stored")
	}
}
