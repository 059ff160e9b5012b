package cache_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/nimbusware/strongbox/cache"
)

type CacheSuite struct {
	suite.Suite
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

func (suite *CacheSuite) TestNewLRU() {
	c := cache.New[int, string](2).WithPolicy(cache.LRU).Build()

	suite.Assert().Equal(0, c.Len())
	suite.Assert().Equal(2, c.Capacity())
}

func (suite *CacheSuite) TestSimpleUnbounded() {
	c := cache.New[int, string](-1).WithPolicy(cache.Simple).Build()

	for i := 0; i < 10; i++ {
		c.Set(i, "v")
	}

	suite.Assert().Equal(10, c.Len())
	suite.Assert().Equal(-1, c.Capacity())
}

func (suite *CacheSuite) TestGetSetDelete() {
	c := cache.New[int, string](2).WithPolicy(cache.LRU).Build()

	c.Set(1, "one")

	v, ok := c.Get(1)
	suite.Assert().True(ok)
	suite.Assert().Equal("one", v)

	suite.Assert().True(c.Delete(1))
	suite.Assert().False(c.Delete(1))

	_, ok = c.Get(1)
	suite.Assert().False(ok)
}

func (suite *CacheSuite) TestLRUEviction() {
	var evicted []int

	c := cache.New[int, string](2).
		WithPolicy(cache.LRU).
		WithEvictFunc(func(k int, _ string) { evicted = append(evicted, k) }).
		Synchronous().
		Build()

	c.Set(1, "one")
	c.Set(2, "two")

	// touch 1 so it's most-recently-used, making 2 the eviction candidate
	c.Get(1)

	c.Set(3, "three")

	suite.Assert().Equal(2, c.Len())
	suite.Require().Len(evicted, 1)
	suite.Assert().Equal(2, evicted[0])

	_, ok := c.Get(2)
	suite.Assert().False(ok)
}

func (suite *CacheSuite) TestCloseEvictsRemaining() {
	evicted := make(map[int]string)

	c := cache.New[int, string](-1).
		WithPolicy(cache.Simple).
		WithEvictFunc(func(k int, v string) { evicted[k] = v }).
		Build()

	c.Set(1, "one")
	c.Set(2, "two")

	suite.Assert().NoError(c.Close())
	suite.Assert().Equal(map[int]string{1: "one", 2: "two"}, evicted)
	suite.Assert().Equal(0, c.Len())
}
