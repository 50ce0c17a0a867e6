package postgres

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/awsagent/internal/registry"
	"github.com/yairfalse/awsagent/pkg/entity"
)

const defaultConcurrency = 4

// ClusterSource reads cluster entities from the registry.
type ClusterSource interface {
	Query(ctx context.Context, filter registry.Filter) ([]entity.Entity, error)
}

// Scanner produces one postgresql_database entity per database found in
// the clusters registered for the scope. Cluster entities are owned by
// another system and only read.
type Scanner struct {
	scope       entity.Scope
	clusters    ClusterSource
	lister      DatabaseLister
	concurrency int
	logger      zerolog.Logger
}

// NewScanner creates a scanner.
func NewScanner(scope entity.Scope, clusters ClusterSource, lister DatabaseLister, logger zerolog.Logger) *Scanner {
	return &Scanner{
		scope:       scope,
		clusters:    clusters,
		lister:      lister,
		concurrency: defaultConcurrency,
		logger:      logger,
	}
}

// Kind implements plugin.Scanner.
func (s *Scanner) Kind() entity.Kind {
	return entity.KindPostgresDatabase
}

// Scan lists databases of every cluster. Any unreachable cluster fails the
// scan so existing database entities are kept rather than removed.
func (s *Scanner) Scan(ctx context.Context) ([]entity.Entity, error) {
	clusters, err := s.clusters.Query(ctx, registry.Filter{
		"infrastructure_account": s.scope.Account,
		"region":                 s.scope.Region,
		"type":                   string(entity.KindPostgresCluster),
	})
	if err != nil {
		return nil, fmt.Errorf("query postgresql clusters: %w", err)
	}

	perCluster := make([][]entity.Entity, len(clusters))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, cluster := range clusters {
		dnsName := dnsNameOf(cluster)
		if dnsName == "" {
			s.logger.Debug().Str("cluster", cluster.ID).Msg("cluster without dnsname skipped")
			continue
		}

		g.Go(func() error {
			names, err := s.lister.ListDatabases(gctx, dnsName, DefaultPort)
			if err != nil {
				return fmt.Errorf("cluster %s: %w", cluster.ID, err)
			}
			s.logger.Debug().Str("host", dnsName).Int("databases", len(names)).Msg("listed databases")

			out := make([]entity.Entity, 0, len(names))
			for _, db := range names {
				out = append(out, s.databaseEntity(cluster.ID, dnsName, db))
			}
			perCluster[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var entities []entity.Entity
	for _, group := range perCluster {
		entities = append(entities, group...)
	}
	return entities, nil
}

func (s *Scanner) databaseEntity(clusterID, dnsName, db string) entity.Entity {
	attrs := entity.PostgresDatabaseAttrs{
		PostgresCluster: clusterID,
		DatabaseName:    db,
		Shards:          map[string]string{db: fmt.Sprintf("%s:%d/%s", dnsName, DefaultPort, db)},
	}
	return entity.New(s.scope, entity.ScopedID(db+"-"+dnsName, s.scope), attrs)
}

func dnsNameOf(cluster entity.Entity) string {
	if o, ok := cluster.Attrs.(entity.Opaque); ok {
		return o.String("dnsname")
	}
	return ""
}
