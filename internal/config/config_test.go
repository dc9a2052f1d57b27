package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var sampleConfig = []byte(`
servers:
  - port: 8080
    root: ./www
    error_pages:
      404: errors/404.html
    client_max_body_size: 2048
    cgi:
      - extension: .py
        interpreter: /usr/bin/python3
  - port: 8081
    root: ./admin
`)

type ConfigTestSuite struct {
	suite.Suite
	dir string
}

func (s *ConfigTestSuite) SetupTest() {
	d, err := ioutil.TempDir("", "webservd-config")
	require.NoError(s.T(), err)
	s.dir = d
}

func (s *ConfigTestSuite) TearDownTest() {
	require.NoError(s.T(), os.RemoveAll(s.dir))
}

func (s *ConfigTestSuite) writeConfig(data []byte) string {
	path := filepath.Join(s.dir, "webservd.yaml")
	require.NoError(s.T(), ioutil.WriteFile(path, data, 0644))
	return path
}

func (s *ConfigTestSuite) TestLoadFile() {
	path := s.writeConfig(sampleConfig)
	cfg, err := Load(path)
	require.NoError(s.T(), err)

	sc := cfg.Lookup(8080)
	require.NotNil(s.T(), sc)
	require.Equal(s.T(), "errors/404.html", sc.ErrorPages[404])
	require.EqualValues(s.T(), 2048, sc.ClientMaxBodySize)
	require.Len(s.T(), sc.CGIRules, 1)
	require.Equal(s.T(), ".py", sc.CGIRules[0].Extension)

	other := cfg.Lookup(8081)
	require.NotNil(s.T(), other)
	require.EqualValues(s.T(), DefaultClientMaxBodySize, other.ClientMaxBodySize)
}

func (s *ConfigTestSuite) TestLoadMissingFileIsError() {
	_, err := Load(filepath.Join(s.dir, "does-not-exist.yaml"))
	require.Error(s.T(), err)
}

func (s *ConfigTestSuite) TestLoadEmptyPathUsesDefault() {
	cfg, err := Load("")
	require.NoError(s.T(), err)
	sc := cfg.Lookup(8080)
	require.NotNil(s.T(), sc)
	require.Empty(s.T(), sc.CGIRules)
}

func (s *ConfigTestSuite) TestLoadRejectsMissingPort() {
	path := s.writeConfig([]byte("servers:\n  - root: ./www\n"))
	_, err := Load(path)
	require.Error(s.T(), err)
}

func TestConfig(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
