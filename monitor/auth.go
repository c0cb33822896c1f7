package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/relay-tender/devices"
	"github.com/onnwee/relay-tender/otp"
	"github.com/onnwee/relay-tender/session"
	"github.com/onnwee/relay-tender/telemetry"
)

// Authenticator produces logged-in sessions and ends them.
type Authenticator interface {
	Login(ctx context.Context, dev devices.Device) (session.Session, error)
	// Logout invalidates the session server side. It does not close sess.
	Logout(ctx context.Context, sess session.Session) error
}

// DevicePreparer readies a capture device before a browser is started on it.
type DevicePreparer interface {
	Prepare(ctx context.Context, dev devices.Device) error
}

// SiteLogin logs into the channel site with email and password and answers
// the emailed verification challenge when one is shown.
type SiteLogin struct {
	Factory   session.Factory
	Host      DevicePreparer
	OTP       otp.Fetcher
	LoginURL  string
	LogoutURL string
	Email     string
	Password  string

	OTPPollInterval time.Duration
	OTPMaxAttempts  int
	// FormTimeout bounds the wait for the login form.
	FormTimeout time.Duration
	// ChallengeTimeout bounds the wait for the verification modal.
	ChallengeTimeout time.Duration
	// WelcomeTimeout bounds the wait for the post-login modal.
	WelcomeTimeout time.Duration
	// SubmitDelay is the pause after submitting a form.
	SubmitDelay time.Duration

	HTTPClient *http.Client
}

func (a *SiteLogin) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Login opens a fresh session on dev and signs in. On error the session is
// closed before returning.
func (a *SiteLogin) Login(ctx context.Context, dev devices.Device) (_ session.Session, err error) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "auth"), slog.Int("slot", dev.Slot))
	start := time.Now()

	if a.Host != nil {
		if err := a.Host.Prepare(ctx, dev); err != nil {
			return nil, fmt.Errorf("prepare device: %w", err)
		}
	}
	sess, err := a.Factory(ctx, dev)
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %w", ErrSessionDeath, err)
	}
	defer func() {
		if err != nil {
			_ = sess.Close()
		}
	}()

	if err := a.submitCredentials(ctx, sess); err != nil {
		return nil, err
	}
	log.Debug("credentials submitted")

	if err := a.answerChallenge(ctx, sess, log); err != nil {
		return nil, err
	}

	// the welcome modal does not always show
	if _, werr := sess.WaitFor(ctx, SelWelcomeModal, a.WelcomeTimeout); werr == nil {
		if btns, ferr := sess.FindAll(ctx, SelWelcomeClose); ferr == nil && len(btns) > 1 {
			if cerr := sess.Click(ctx, btns[1]); cerr != nil {
				log.Debug("welcome modal close failed", slog.Any("err", cerr))
			}
		}
	} else if errors.Is(werr, session.ErrSessionDead) {
		return nil, werr
	}

	if telemetry.LoginDuration != nil {
		telemetry.LoginDuration.Observe(time.Since(start).Seconds())
	}
	log.Info("logged in", slog.Duration("took", time.Since(start)))
	return sess, nil
}

func (a *SiteLogin) submitCredentials(ctx context.Context, sess session.Session) error {
	if err := sess.Navigate(ctx, a.LoginURL); err != nil {
		return err
	}
	fields := []struct{ sel, val string }{
		{SelEmail, a.Email},
		{SelPassword, a.Password},
	}
	for _, f := range fields {
		el, err := sess.WaitFor(ctx, f.sel, a.FormTimeout)
		if err != nil {
			return fmt.Errorf("%w: login form %s: %w", ErrAuthentication, f.sel, err)
		}
		if err := sess.SendKeys(ctx, el, f.val); err != nil {
			return err
		}
	}
	btn, err := sess.Find(ctx, session.Element{}, SelLoginSubmit)
	if err != nil {
		return fmt.Errorf("%w: login button: %w", ErrAuthentication, err)
	}
	if err := sess.Click(ctx, btn); err != nil {
		return err
	}
	return a.sleep(ctx, a.SubmitDelay)
}

func (a *SiteLogin) answerChallenge(ctx context.Context, sess session.Session, log *slog.Logger) error {
	modal, err := sess.WaitFor(ctx, SelVerifyModal, a.ChallengeTimeout)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, session.ErrSessionDead):
		return err
	case err != nil:
		return nil
	}
	text, err := sess.ReadText(ctx, modal)
	if err != nil {
		return err
	}
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "verification") && !strings.Contains(lower, "verify") {
		return nil
	}
	log.Info("verification challenge shown")

	code, err := a.pollCode(ctx, log)
	if err != nil {
		return err
	}
	input, err := sess.Find(ctx, modal, SelModalInput)
	if err != nil {
		return fmt.Errorf("%w: verification input: %w", ErrTransientUI, err)
	}
	if err := sess.SendKeys(ctx, input, code); err != nil {
		return err
	}
	confirm, err := sess.Find(ctx, modal, SelModalConfirm)
	if err != nil {
		return fmt.Errorf("%w: verification confirm: %w", ErrTransientUI, err)
	}
	if err := sess.Click(ctx, confirm); err != nil {
		return err
	}
	log.Info("verification code entered")
	return a.sleep(ctx, a.SubmitDelay)
}

// pollCode asks the mailbox every OTPPollInterval, up to OTPMaxAttempts times.
func (a *SiteLogin) pollCode(ctx context.Context, log *slog.Logger) (string, error) {
	for attempt := 1; attempt <= a.OTPMaxAttempts; attempt++ {
		if err := a.sleep(ctx, a.OTPPollInterval); err != nil {
			return "", err
		}
		if a.OTP == nil {
			break
		}
		code, ok, err := a.OTP.FetchCode(ctx)
		switch {
		case err != nil:
			telemetry.IncOTP("error")
			log.Warn("otp fetch failed", slog.Int("attempt", attempt), slog.Any("err", err))
		case ok:
			telemetry.IncOTP("found")
			return code, nil
		default:
			telemetry.IncOTP("miss")
		}
	}
	return "", fmt.Errorf("%w: no verification code after %d attempts", ErrAuthentication, a.OTPMaxAttempts)
}

type authToken struct {
	Token string `json:"token"`
}

// Logout reads the session token from local storage and revokes it.
func (a *SiteLogin) Logout(ctx context.Context, sess session.Session) error {
	var raw any
	if err := sess.RunScript(ctx, scriptAuthToken, &raw); err != nil {
		return fmt.Errorf("read auth token: %w", err)
	}
	s, _ := raw.(string)
	var tok authToken
	if s == "" || json.Unmarshal([]byte(s), &tok) != nil || tok.Token == "" {
		return errors.New("auth token not found")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.LogoutURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Session-Token", tok.Token)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	client := a.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("logout request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("logout failed: status %d", resp.StatusCode)
	}
	return nil
}

// discard logs out (best effort) and closes sess. It runs after the caller's
// context may already be done.
func discard(ctx context.Context, auth Authenticator, sess session.Session, log *slog.Logger) {
	if sess == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
	defer cancel()
	if err := auth.Logout(cctx, sess); err != nil {
		log.Debug("logout failed", slog.Any("err", err))
	}
	if err := sess.Close(); err != nil {
		log.Debug("close session failed", slog.Any("err", err))
	}
}
