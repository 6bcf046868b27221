package overlay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderVectorDebugSVG_ProducesWellFormedSVG(t *testing.T) {
	oldPoints := []orb.Point{{0, 0}, {10, 0}, {10, 10}}
	newPoints := []orb.Point{{1, 1}, {11, 1}, {11, 11}}

	var buf bytes.Buffer
	err := RenderVectorDebugSVG(&buf, oldPoints, newPoints, 100, 100)
	require.NoError(t, err)

	out := buf.String()
	assert.True(t, strings.Contains(out, "<svg"), "expected an <svg> root element")
	assert.True(t, strings.Contains(out, "</svg>"), "expected a closing </svg> tag")
}

func TestRenderVectorDebugSVG_EmptyPointCloudsStillProducesABackground(t *testing.T) {
	var buf bytes.Buffer
	err := RenderVectorDebugSVG(&buf, nil, nil, 50, 50)
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), "<svg"))
}
