package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/cdr-auth/instrumentation"
	"github.com/giantswarm/cdr-auth/issuer"
	"github.com/giantswarm/cdr-auth/jwks"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/storage"
	"github.com/giantswarm/cdr-auth/validation"
)

// Customer is the profile of an authenticated customer
type Customer struct {
	ID         string
	Name       string
	GivenName  string
	FamilyName string
	UpdatedAt  time.Time
}

// CustomerProvider resolves customer profiles for ID tokens and userinfo
type CustomerProvider interface {
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
}

// SoftwareProductStatus reports whether the Register still lists a software
// product as active
type SoftwareProductStatus interface {
	IsActive(ctx context.Context, client *storage.Client) (bool, error)
}

// ArrangementNotifier informs a data recipient of a holder initiated revocation.
// Implemented by notify.Notifier.
type ArrangementNotifier interface {
	NotifyArrangementRevoked(ctx context.Context, client *storage.Client, arrangementID string) error
}

// ClientAuth is the client authentication presented on a protected endpoint:
// the private_key_jwt assertion and the thumbprint of the mTLS certificate.
type ClientAuth struct {
	Assertion      validation.ClientAssertion
	CertThumbprint string
	ClientIP       string
}

// Server implements the authorization server engines. Every protocol failure
// is returned as *protocol.Error or *protocol.CDSErrorList; any other error
// is internal.
type Server struct {
	store        storage.Store
	issuer       *issuer.Issuer
	assertions   *validation.AssertionValidator
	par          *validation.PARValidator
	registration *validation.RegistrationValidator
	customers    CustomerProvider
	products     SoftwareProductStatus
	notifier     ArrangementNotifier
	metrics      *instrumentation.Metrics
	now          func() time.Time

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config
}

// New creates a new authorization server
func New(
	store storage.Store,
	tokens *issuer.Issuer,
	fetcher jwks.Fetcher,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("jwks fetcher is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Issuer == "" {
		config.Issuer = tokens.Name()
	}
	config = applySecureDefaults(config, logger)
	if err := validateIssuer(config, logger); err != nil {
		return nil, err
	}

	skew := seconds(config.ClockSkewGracePeriod)
	srv := &Server{
		store:  store,
		issuer: tokens,
		assertions: validation.NewAssertionValidator(validation.AssertionConfig{
			Issuer:      config.Issuer,
			MaxLifetime: seconds(config.ClientAssertionMaxLifetime),
			ClockSkew:   skew,
			Logger:      logger,
		}, store, store, fetcher),
		par: validation.NewPARValidator(validation.PARConfig{
			Issuer:             config.Issuer,
			MaxSharingDuration: seconds(config.MaxSharingDuration),
			ClockSkew:          skew,
			SupportedACRValues: config.SupportedACRValues,
		}, fetcher),
		registration: validation.NewRegistrationValidator(validation.RegistrationConfig{
			Issuer:                   config.Issuer,
			RegisterJWKSURI:          config.RegisterJWKSURI,
			RegisterIssuer:           config.RegisterIssuer,
			AllowDuplicateSoftwareID: config.AllowDuplicateSoftwareID,
			EncryptionEnabled:        config.EncryptionEnabled,
			SupportedEncryptionAlg:   config.SupportedEncryptionAlgs,
			SupportedEncryptionEnc:   config.SupportedEncryptionEncs,
			SupportedScopes:          config.SupportedScopes,
			AllowInternalURIs:        config.AllowInternalURIs,
			ClockSkew:                skew,
		}, fetcher, store),
		now:    time.Now,
		Config: config,
		Logger: logger,
	}
	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetCustomerProvider sets the customer profile source
func (s *Server) SetCustomerProvider(p CustomerProvider) {
	s.customers = p
}

// SetSoftwareProductStatus sets the Register status source used by internal introspection
func (s *Server) SetSoftwareProductStatus(p SoftwareProductStatus) {
	s.products = p
}

// SetNotifier sets the recipient notifier for holder initiated revocations
func (s *Server) SetNotifier(n ArrangementNotifier) {
	s.notifier = n
}

// SetInstrumentation enables metrics for the engines and the client assertion validator
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.metrics = inst.Metrics()
	s.assertions.SetInstrumentation(inst)
}

// SetClock overrides the time source of the engines and validators (tests)
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
	s.assertions.SetClock(now)
	s.par.SetClock(now)
	s.registration.SetClock(now)
}

// AuthenticateClient verifies the client assertion and the presence of a
// client certificate
func (s *Server) AuthenticateClient(ctx context.Context, auth ClientAuth) (*storage.Client, error) {
	if auth.CertThumbprint == "" && !s.Config.AllowUnboundTokens {
		s.audit(ctx, security.EventCertificateMissing, "", auth.Assertion.ClientID, auth.ClientIP, nil)
		return nil, protocol.ErrInvalidClient("a client certificate is required")
	}
	client, err := s.assertions.Authenticate(ctx, auth.Assertion)
	if err != nil {
		eventType := security.EventAuthFailure
		if errors.Is(err, validation.ErrAssertionReplayed) {
			eventType = security.EventAssertionReplay
		}
		s.audit(ctx, eventType, "", auth.Assertion.ClientID, auth.ClientIP, map[string]any{"reason": err.Error()})
		return nil, err
	}
	return client, nil
}

// requireHolderOfKey wraps validation.RequireHolderOfKey with audit and metrics
func (s *Server) requireHolderOfKey(ctx context.Context, endpoint, clientID, expected, presented string) error {
	err := validation.RequireHolderOfKey(expected, presented, s.Config.AllowUnboundTokens)
	if err != nil {
		s.audit(ctx, security.EventHolderOfKeyMismatch, "", clientID, "", map[string]any{"endpoint": endpoint})
		if s.metrics != nil {
			s.metrics.RecordHolderOfKeyMismatch(ctx, endpoint)
		}
	}
	return err
}

// subjectFor derives the pairwise subject client sees for customerID
func (s *Server) subjectFor(client *storage.Client, customerID string) (string, error) {
	sector := security.SectorIdentifier(client.SectorIdentifierURI, client.RedirectURIs, client.SoftwareID)
	return security.PairwiseSubject(s.Config.PairwiseSecret, sector, customerID)
}

func (s *Server) audit(ctx context.Context, eventType, subjectID, clientID, ip string, details map[string]any) {
	s.Auditor.LogEvent(security.Event{
		Type:          eventType,
		SubjectID:     subjectID,
		ClientID:      clientID,
		IPAddress:     ip,
		InteractionID: security.GetInteractionID(ctx),
		Details:       details,
	})
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier yields 32 random bytes, base64url encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
