package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml"

	"github.com/shortontech/gorhc/internal/entropy"
	"github.com/shortontech/gorhc/internal/rhc"
)

// Config is the settings shared by the RHC server and its client tooling.
// Values come from defaults, then an optional TOML file named by RHC_CONFIG,
// then environment variables.
type Config struct {
	// Server
	ServerAddr        string   `validate:"required"`
	TrustProxy        bool     // honour X-Forwarded-For / X-Real-IP
	MaxBodyBytes      int64    `validate:"gt=0"` // request body limit for /api/productos
	Outputs           []string `validate:"dive,oneof=log kafka postgres pg none"`
	AllowedOrigins    []string // CORS; "*" allows any origin
	CORSAllowHeaders  []string // nil sends Content-Type, Authorization and the RHC names; "*" allows any
	GuardDirectAccess bool     // reject browser navigation straight to the API
	Router            string   `validate:"oneof=chi gin"`

	// Protocol
	Level          string   `validate:"rhc_level"`
	Assignment     string   `validate:"rhc_assignment"`
	ValidHeaders   []string `validate:"dive,required"`
	DecoyHeaders   []string `validate:"dive,required"`
	IgnoredHeaders []string // nil keeps the built-in standard header list
	MaxValid       int      `validate:"gte=0"`

	// Token sizes in bytes; each byte is two hex characters on the wire.
	SharedBytes int    `validate:"gte=1,lte=4096"`
	TokenBytes  int    `validate:"gte=1,lte=4096"`
	MinBytes    int    `validate:"gte=1,lte=4096"`
	MaxBytes    int    `validate:"gtefield=MinBytes,lte=4096"`
	LengthMode  string `validate:"oneof=fixed variable"`

	HistorySize int    `validate:"gte=1"`
	EntropyMode string `validate:"entropy_mode"`

	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	// Product catalog; empty DSN serves the in-memory catalog.
	ProductsDSN   string
	ProductsTable string `validate:"required"`

	// Client
	APIURL        string        `validate:"omitempty,url"`
	Bearer        string        `validate:"required"`
	ClientTimeout time.Duration `validate:"gte=0"`
	Transport     string        `validate:"oneof=client roundtrip"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		ServerAddr:     ":8080",
		MaxBodyBytes:   1 << 20,
		Outputs:        []string{"log"},
		AllowedOrigins: []string{"*"},
		Router:         "chi",

		Level:        "intermediate",
		Assignment:   "fixed",
		ValidHeaders: []string{"X-Server-Certified", "X-Server-Sig", "X-Server-Flag"},
		DecoyHeaders: []string{"X-Server-Atlas", "X-Server-Orchid", "X-Server-Drift", "X-Server-Quartz", "X-Server-Veil"},
		MaxValid:     2,

		SharedBytes: rhc.DefaultSharedBytes,
		TokenBytes:  rhc.DefaultTokenBytes,
		MinBytes:    rhc.DefaultMinBytes,
		MaxBytes:    rhc.DefaultMaxBytes,
		LengthMode:  "fixed",

		HistorySize: 5,
		EntropyMode: "tokens",

		LogLevel:  "info",
		LogFormat: "json",

		ProductsTable: "productos",

		APIURL:        "http://localhost:8080/api/productos",
		Bearer:        "FAKEJWT123",
		ClientTimeout: 10 * time.Second,
		Transport:     "client",
	}
}

// Load builds the configuration from defaults, the RHC_CONFIG file when set,
// and the environment.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("RHC_CONFIG"); path != "" {
		tree, err := toml.LoadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
		if err := applyTree(&cfg, tree); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(c *Config) error {
	c.ServerAddr = getOr("SERVER_ADDR", c.ServerAddr)
	c.TrustProxy = getBool("TRUST_PROXY", c.TrustProxy)
	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		n, err := parseBytes(v)
		if err != nil {
			return fmt.Errorf("MAX_BODY_BYTES: %w", err)
		}
		c.MaxBodyBytes = n
	}
	c.Outputs = getStringSlice("OUTPUTS", strings.Join(c.Outputs, ","))
	c.AllowedOrigins = getStringSlice("ALLOWED_ORIGINS", strings.Join(c.AllowedOrigins, ","))
	c.CORSAllowHeaders = getStringSlice("CORS_ALLOW_HEADERS", strings.Join(c.CORSAllowHeaders, ","))
	c.GuardDirectAccess = getBool("GUARD_DIRECT_ACCESS", c.GuardDirectAccess)
	c.Router = getOr("ROUTER", c.Router)

	c.Level = getOr("RHC_LEVEL", c.Level)
	c.Assignment = getOr("RHC_ASSIGNMENT", c.Assignment)
	c.ValidHeaders = getStringSlice("RHC_VALID_HEADERS", strings.Join(c.ValidHeaders, ","))
	c.DecoyHeaders = getStringSlice("RHC_DECOY_HEADERS", strings.Join(c.DecoyHeaders, ","))
	if _, ok := os.LookupEnv("RHC_IGNORED_HEADERS"); ok {
		c.IgnoredHeaders = getStringSlice("RHC_IGNORED_HEADERS", "")
	}
	c.MaxValid = int(getInt64("RHC_MAX_VALID", int64(c.MaxValid)))

	c.SharedBytes = int(getInt64("RHC_SHARED_BYTES", int64(c.SharedBytes)))
	c.TokenBytes = int(getInt64("RHC_TOKEN_BYTES", int64(c.TokenBytes)))
	c.MinBytes = int(getInt64("RHC_MIN_BYTES", int64(c.MinBytes)))
	c.MaxBytes = int(getInt64("RHC_MAX_BYTES", int64(c.MaxBytes)))
	c.LengthMode = getOr("RHC_LENGTH_MODE", c.LengthMode)

	c.HistorySize = int(getInt64("HISTORY_SIZE", int64(c.HistorySize)))
	c.EntropyMode = getOr("ENTROPY_MODE", c.EntropyMode)

	c.LogLevel = getOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getOr("LOG_FORMAT", c.LogFormat)

	c.ProductsDSN = getOr("PRODUCTS_DSN", c.ProductsDSN)
	c.ProductsTable = getOr("PRODUCTS_TABLE", c.ProductsTable)

	c.APIURL = getOr("RHC_API_URL", c.APIURL)
	c.Bearer = getOr("RHC_BEARER", c.Bearer)
	if v := os.Getenv("CLIENT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CLIENT_TIMEOUT: %w", err)
		}
		c.ClientTimeout = d
	}
	c.Transport = getOr("CLIENT_TRANSPORT", c.Transport)
	return nil
}

// applyTree copies the keys present in a TOML document onto c:
//
//	[server]   addr, trust_proxy, max_body, outputs, allowed_origins, cors_allow_headers,
//	           guard_direct_access, router
//	[rhc]      level, assignment, valid_headers, decoy_headers, ignored_headers, max_valid
//	[tokens]   shared_bytes, default_bytes, min_bytes, max_bytes, length_mode
//	[history]  size
//	[entropy]  mode
//	[log]      level, format
//	[products] dsn, table
//	[client]   api_url, bearer, timeout, transport
func applyTree(c *Config, t *toml.Tree) error {
	var errs []string
	str := func(key string, dst *string) {
		if !t.Has(key) {
			return
		}
		if v, ok := t.Get(key).(string); ok {
			*dst = v
			return
		}
		errs = append(errs, key+": want a string")
	}
	boolean := func(key string, dst *bool) {
		if !t.Has(key) {
			return
		}
		if v, ok := t.Get(key).(bool); ok {
			*dst = v
			return
		}
		errs = append(errs, key+": want a boolean")
	}
	integer := func(key string, dst *int) {
		if !t.Has(key) {
			return
		}
		if v, ok := t.Get(key).(int64); ok {
			*dst = int(v)
			return
		}
		errs = append(errs, key+": want an integer")
	}
	list := func(key string, dst *[]string) {
		if !t.Has(key) {
			return
		}
		v, err := toStrings(t.Get(key))
		if err != nil {
			errs = append(errs, key+": "+err.Error())
			return
		}
		*dst = v
	}

	str("server.addr", &c.ServerAddr)
	boolean("server.trust_proxy", &c.TrustProxy)
	if t.Has("server.max_body") {
		switch v := t.Get("server.max_body").(type) {
		case int64:
			c.MaxBodyBytes = v
		case string:
			n, err := parseBytes(v)
			if err != nil {
				errs = append(errs, "server.max_body: "+err.Error())
			} else {
				c.MaxBodyBytes = n
			}
		default:
			errs = append(errs, "server.max_body: want an integer or a size such as \"1MiB\"")
		}
	}
	list("server.outputs", &c.Outputs)
	list("server.allowed_origins", &c.AllowedOrigins)
	list("server.cors_allow_headers", &c.CORSAllowHeaders)
	boolean("server.guard_direct_access", &c.GuardDirectAccess)
	str("server.router", &c.Router)

	str("rhc.level", &c.Level)
	str("rhc.assignment", &c.Assignment)
	list("rhc.valid_headers", &c.ValidHeaders)
	list("rhc.decoy_headers", &c.DecoyHeaders)
	list("rhc.ignored_headers", &c.IgnoredHeaders)
	integer("rhc.max_valid", &c.MaxValid)

	integer("tokens.shared_bytes", &c.SharedBytes)
	integer("tokens.default_bytes", &c.TokenBytes)
	integer("tokens.min_bytes", &c.MinBytes)
	integer("tokens.max_bytes", &c.MaxBytes)
	str("tokens.length_mode", &c.LengthMode)

	integer("history.size", &c.HistorySize)
	str("entropy.mode", &c.EntropyMode)

	str("log.level", &c.LogLevel)
	str("log.format", &c.LogFormat)

	str("products.dsn", &c.ProductsDSN)
	str("products.table", &c.ProductsTable)

	str("client.api_url", &c.APIURL)
	str("client.bearer", &c.Bearer)
	if t.Has("client.timeout") {
		s, _ := t.Get("client.timeout").(string)
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, "client.timeout: want a duration such as \"10s\"")
		} else {
			c.ClientTimeout = d
		}
	}
	str("client.transport", &c.Transport)

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func toStrings(v interface{}) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("want an array of strings")
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return getStringSliceFrom(vv), nil
	}
	return nil, fmt.Errorf("want an array of strings")
}

// parseBytes accepts a plain byte count or a unit suffix ("512KiB", "1MB").
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := units.ParseBase2Bytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("rhc_level", func(fl validator.FieldLevel) bool {
		_, err := rhc.ParseLevel(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("rhc_assignment", func(fl validator.FieldLevel) bool {
		_, err := rhc.ParseAssignment(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("entropy_mode", func(fl validator.FieldLevel) bool {
		_, err := entropy.ParseMode(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate reports the first invalid field. An empty ValidHeaders list is
// allowed: the server then answers every request with a configuration error.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) ProtocolLevel() (rhc.Level, error) { return rhc.ParseLevel(c.Level) }

func (c Config) TokenAssignment() (rhc.Assignment, error) { return rhc.ParseAssignment(c.Assignment) }

func (c Config) Entropy() (entropy.Mode, error) { return entropy.ParseMode(c.EntropyMode) }

// Rules is the server-side header configuration.
func (c Config) Rules() rhc.Rules {
	return rhc.Rules{
		Valid:    c.ValidHeaders,
		Decoys:   c.DecoyHeaders,
		MaxValid: c.MaxValid,
		Ignored:  c.IgnoredHeaders,
	}
}

// GeneratorOptions maps the token sizes onto an rhc.Generator.
func (c Config) GeneratorOptions() []rhc.GeneratorOption {
	return []rhc.GeneratorOption{
		rhc.WithSharedBytes(c.SharedBytes),
		rhc.WithDefaultBytes(c.TokenBytes),
		rhc.WithRange(c.MinBytes, c.MaxBytes),
	}
}

// VariableLengths reports whether Dynamic-Adaptive draws token lengths from
// [MinBytes, MaxBytes] instead of using the default length.
func (c Config) VariableLengths() bool { return c.LengthMode == "variable" }

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}
func getInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	return getStringSliceFrom(v)
}

func getStringSliceFrom(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
