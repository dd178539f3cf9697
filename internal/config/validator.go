package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ValidatorOptions contains options for configuration validation
type ValidatorOptions struct {
	VerifyConnectivity bool // Check journal/fan-out/gateway connectivity
	Timeout            time.Duration
}

// DefaultValidatorOptions returns default validator options for startup
func DefaultValidatorOptions() ValidatorOptions {
	return ValidatorOptions{
		VerifyConnectivity: true,
		Timeout:            5 * time.Second,
	}
}

// Validator handles configuration validation at startup
type Validator struct {
	config  *Config
	options ValidatorOptions
}

// NewValidator creates a new configuration validator
func NewValidator(config *Config, options ValidatorOptions) *Validator {
	return &Validator{
		config:  config,
		options: options,
	}
}

// ValidateStartup performs comprehensive startup validation
// This should be called before starting any services
func (v *Validator) ValidateStartup(ctx context.Context) error {
	log.Info().Msg("Validating configuration...")

	// Step 0: Check production environment requirements
	if err := v.validateProductionRequirements(); err != nil {
		return fmt.Errorf("production requirements validation failed: %w", err)
	}

	// Step 1: Check live-mode prerequisites
	if err := v.validateLiveModeRequirements(); err != nil {
		return fmt.Errorf("live mode validation failed: %w", err)
	}

	// Step 2: Check gateway reachability (if enabled)
	if v.options.VerifyConnectivity {
		if err := v.checkGatewayReachability(ctx); err != nil {
			return fmt.Errorf("gateway reachability check failed: %w", err)
		}
	}

	// Step 3: Check journal connectivity (if enabled)
	if v.options.VerifyConnectivity && v.config.Journal.Enabled {
		if err := v.checkJournalConnectivity(ctx); err != nil {
			return fmt.Errorf("journal connectivity check failed: %w", err)
		}
	}

	// Step 4: Check fan-out connectivity (if enabled)
	if v.options.VerifyConnectivity && v.config.Breaker.Fanout.Enabled {
		if err := v.checkFanoutConnectivity(ctx); err != nil {
			return fmt.Errorf("fan-out connectivity check failed: %w", err)
		}
	}

	log.Info().Msg("Configuration validation completed successfully")
	return nil
}

// validateProductionRequirements checks production-specific security requirements
func (v *Validator) validateProductionRequirements() error {
	isProduction := strings.ToLower(v.config.Common.Environment) == "production"

	if !isProduction {
		log.Info().Str("environment", v.config.Common.Environment).Msg("Non-production environment detected, skipping production requirements")
		return nil
	}

	log.Info().Msg("Production environment detected - enforcing production security requirements")

	var errors []string

	// 1. Vault must be enabled in production
	if !v.config.Vault.Enabled {
		errors = append(errors, "Vault must be enabled in production (set vault.enabled or VAULT_ENABLED=true)")
	}

	// 2. Check that Vault configuration is provided
	if v.config.Vault.Enabled {
		if v.config.Vault.Address == "" {
			errors = append(errors, "vault.address must be set when Vault is enabled")
		}

		switch v.config.Vault.AuthMethod {
		case "kubernetes":
			tokenPath := "/var/run/secrets/kubernetes.io/serviceaccount/token"
			if _, err := os.Stat(tokenPath); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Kubernetes service account token not found at %s", tokenPath))
			}
		case "token", "":
			if v.config.Vault.Token == "" && os.Getenv("VAULT_TOKEN") == "" {
				errors = append(errors, "VAULT_TOKEN must be set when using token auth method")
			}
		case "approle":
			roleID := os.Getenv("VAULT_ROLE_ID")
			secretID := os.Getenv("VAULT_SECRET_ID")
			if roleID == "" || secretID == "" {
				errors = append(errors, "VAULT_ROLE_ID and VAULT_SECRET_ID must be set when using approle auth method")
			}
		default:
			errors = append(errors, fmt.Sprintf("Unknown vault.auth_method: %s (must be kubernetes, token, or approle)", v.config.Vault.AuthMethod))
		}
	}

	// 3. TLS/SSL must be enforced for the journal
	if v.config.Journal.Enabled && v.config.Journal.SSLMode == "disable" {
		errors = append(errors, "Journal SSL cannot be disabled in production (journal.ssl_mode=disable)")
	}

	// 4. The admin surface must not run without an operator token
	if v.config.Admin.Enabled && v.config.Admin.OperatorToken == "" {
		errors = append(errors, "admin.operator_token must be set when the admin surface is enabled in production")
	}

	// 5. Live trading warrants an explicit reminder (warning, not error)
	if v.config.Trading.IsLive() {
		log.Warn().Msg("WARNING: Live trading is enabled in production. Ensure this is intentional and all testing is complete.")
	}

	if len(errors) > 0 {
		var errMsg strings.Builder
		errMsg.WriteString("\n==========================================================\n")
		errMsg.WriteString("PRODUCTION SECURITY REQUIREMENTS NOT MET\n")
		errMsg.WriteString("==========================================================\n\n")
		errMsg.WriteString("The following production security requirements must be addressed:\n\n")
		for i, err := range errors {
			errMsg.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err))
		}
		errMsg.WriteString("\n")
		errMsg.WriteString("Production deployment cannot proceed until these issues are resolved.\n")
		errMsg.WriteString("==========================================================\n")
		return fmt.Errorf("%s", errMsg.String())
	}

	log.Info().Msg("Production security requirements validated successfully")
	return nil
}

// validateLiveModeRequirements checks prerequisites that only matter when
// real orders will be submitted
func (v *Validator) validateLiveModeRequirements() error {
	if !v.config.Trading.IsLive() {
		log.Info().Str("mode", v.config.Trading.Mode).Msg("Shadow mode - skipping live trading prerequisites")
		return nil
	}

	var errors []string

	// The admission artifact gates every live start
	if _, err := os.Stat(v.config.Admission.ArtifactPath); err != nil {
		errors = append(errors, fmt.Sprintf("admission artifact not found at %s (run the admission gate first)", v.config.Admission.ArtifactPath))
	}

	// At least one symbol must be enabled
	if len(v.config.EnabledSymbols()) == 0 {
		errors = append(errors, "no symbols enabled for live trading")
	}

	if len(errors) > 0 {
		var errMsg strings.Builder
		errMsg.WriteString("Live trading prerequisites are missing:\n\n")
		for _, err := range errors {
			errMsg.WriteString(fmt.Sprintf("  - %s\n", err))
		}
		errMsg.WriteString("\nPlease resolve these issues and try again.\n")
		return fmt.Errorf("%s", errMsg.String())
	}

	log.Info().Msg("Live trading prerequisites validated")
	return nil
}

// checkGatewayReachability tests that the broker gateway accepts TCP
// connections. The session handshake happens later; this catches dead
// endpoints before the engine starts.
func (v *Validator) checkGatewayReachability(ctx context.Context) error {
	log.Info().Msg("Checking gateway reachability...")

	dialer := net.Dialer{Timeout: v.options.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", v.config.Gateway.Addr)
	if err != nil {
		return fmt.Errorf("failed to reach gateway at %s: %w\n\nPlease check:\n  - The gateway terminal is running\n  - The address is correct\n  - Network connectivity is available", v.config.Gateway.Addr, err)
	}
	_ = conn.Close()

	log.Info().
		Str("addr", v.config.Gateway.Addr).
		Msg("Gateway reachability check passed")

	return nil
}

// checkJournalConnectivity tests the PostgreSQL connection with timeout
func (v *Validator) checkJournalConnectivity(ctx context.Context) error {
	log.Info().Msg("Checking journal connectivity...")

	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	pool, err := pgxpool.New(connCtx, v.config.Journal.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to create journal connection pool: %w\n\nPlease check:\n  - PostgreSQL is running\n  - Connection details are correct\n  - Network connectivity is available", err)
	}
	defer pool.Close()

	if err := pool.Ping(connCtx); err != nil {
		return fmt.Errorf("failed to ping journal database: %w\n\nPlease check:\n  - PostgreSQL is running and accepting connections\n  - Credentials are correct\n  - Network connectivity is available", err)
	}

	var dbName string
	err = pool.QueryRow(connCtx, "SELECT current_database()").Scan(&dbName)
	if err != nil {
		return fmt.Errorf("failed to verify journal database: %w", err)
	}

	log.Info().
		Str("database", dbName).
		Str("host", v.config.Journal.Host).
		Int("port", v.config.Journal.Port).
		Msg("Journal connectivity check passed")

	return nil
}

// checkFanoutConnectivity tests the Redis connection with timeout
func (v *Validator) checkFanoutConnectivity(ctx context.Context) error {
	log.Info().Msg("Checking fan-out connectivity...")

	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     v.config.Breaker.Fanout.Addr,
		Password: v.config.Breaker.Fanout.Password,
		DB:       v.config.Breaker.Fanout.DB,
	})
	defer client.Close()

	if err := client.Ping(connCtx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w\n\nPlease check:\n  - Redis is running and accepting connections\n  - Connection details are correct\n  - Network connectivity is available", err)
	}

	log.Info().
		Str("addr", v.config.Breaker.Fanout.Addr).
		Int("db", v.config.Breaker.Fanout.DB).
		Msg("Fan-out connectivity check passed")

	return nil
}
