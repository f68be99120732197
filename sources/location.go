package sources

import (
	"context"
	"log/slog"

	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/observe"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/repository"
)

// LocationState answers the LOCATION-group grant overrides for one package:
// whether location services are globally enabled, whether the package is
// itself a location provider, and whether it is the extra location controller
// and that controller is enabled.
type LocationState struct {
	Enabled                bool
	IsProvider             bool
	IsExtraController      bool
	ExtraControllerEnabled bool
}

// LocationCell mirrors LocationState for one (package, user).
type LocationCell = observe.AsyncCell[LocationState]

// LocationRepository caches one LocationCell per (package, user). Only
// consulted by aggregators computing the LOCATION group.
type LocationRepository struct {
	*repository.Repository[PackageKey, *LocationCell]
}

// NewLocationRepository creates the repository.
func NewLocationRepository(
	exec *mainline.Executor,
	notifier *repository.PressureNotifier,
	location platform.LocationService,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *LocationRepository {
	if logger == nil {
		logger = slog.Default()
	}
	newCell := func(key PackageKey) *LocationCell {
		load := func(ctx context.Context) (LocationState, error) {
			var st LocationState
			var err error
			if st.Enabled, err = location.LocationEnabled(ctx, key.User); err != nil {
				return st, err
			}
			if st.IsProvider, err = location.IsLocationProvider(ctx, key.Pkg, key.User); err != nil {
				return st, err
			}
			controller, err := location.ExtraLocationControllerPackage(ctx, key.User)
			if err != nil {
				return st, err
			}
			st.IsExtraController = controller != "" && controller == key.Pkg
			if st.IsExtraController {
				if st.ExtraControllerEnabled, err = location.ExtraLocationControllerEnabled(ctx, key.User); err != nil {
					return st, err
				}
			}
			return st, nil
		}
		return observe.NewAsyncCell(exec, logger, load,
			observe.WithEquals(func(a, b LocationState) bool { return a == b }))
	}
	return &LocationRepository{
		Repository: repository.New("location_state", notifier, newCell, logger,
			repository.WithMetrics[PackageKey, *LocationCell](metrics)),
	}
}
