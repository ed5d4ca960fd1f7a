package apierr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndError(t *testing.T) {
	err := New(NotFound, "pool %d missing", 7)
	assert.Equal(t, NotFound, err.Kind)
	assert.Equal(t, "NotFound: pool 7 missing", err.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, Conflict, KindOf(New(Conflict, "busy")))
	assert.Equal(t, Internal, KindOf(errPlain{}))
}

type errPlain struct{}

func (errPlain) Error() string { return "boom" }

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		InvalidArgument:                400,
		Unauthorized:                   403,
		Expired:                        403,
		Replay:                         403,
		NotFound:                       404,
		Conflict:                       409,
		InsufficientCapacity:           409,
		InsufficientReplicationTargets: 409,
		MappingForbidden:               409,
		Stalled:                        409,
		NoActiveTargets:                503,
		TargetIOError:                  500,
		Internal:                       500,
		Kind("unknown"):                500,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), "HTTPStatus(%s)", kind)
	}
}
