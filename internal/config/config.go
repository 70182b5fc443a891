package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	Env           string
	DBSource      string
	KafkaBrokers  []string
	AdminOwners   []string
	ServiceOwner  string
	SweepInterval time.Duration
	CertKeySeed   string
}

func Load() (*Config, error) {
	// Optional; env vars win over .env entries.
	_ = godotenv.Load()

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	serviceOwner := os.Getenv("SERVICE_OWNER")
	if serviceOwner == "" {
		serviceOwner = "escrowd"
	}

	admins := splitList(os.Getenv("ADMIN_OWNERS"))
	if len(admins) == 0 {
		admins = []string{"admin"}
	}

	sweep := 30 * time.Second
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		sweep = d
	}

	return &Config{
		Port:          port,
		Env:           env,
		DBSource:      os.Getenv("DB_SOURCE"),
		KafkaBrokers:  splitList(os.Getenv("KAFKA_BROKERS")),
		AdminOwners:   admins,
		ServiceOwner:  serviceOwner,
		SweepInterval: sweep,
		CertKeySeed:   os.Getenv("CERT_KEY_SEED"),
	}, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
