package weight

type commonWeight struct {
	key    string
	weight float64
}

// commonWeights is scanned in order; the first matching key wins
var commonWeights = []commonWeight{
	// Beverages
	{"wine bottle", 3.0},
	{"wine bottles", 3.0},
	{"champagne bottle", 3.5},
	{"beer case", 20.0},
	{"beer 6-pack", 5.0},
	{"water bottle", 1.0},
	{"whiskey bottle", 3.0},

	// Electronics
	{"laptop", 5.0},
	{"macbook", 4.5},
	{"ipad", 1.5},
	{"iphone", 0.5},
	{"playstation", 10.0},
	{"xbox", 9.0},
	{"nintendo switch", 2.0},

	// TVs by screen size
	{"32 inch tv", 15.0},
	{`32" tv`, 15.0},
	{"40 inch tv", 20.0},
	{`40" tv`, 20.0},
	{"50 inch tv", 35.0},
	{`50" tv`, 35.0},
	{"55 inch tv", 40.0},
	{`55" tv`, 40.0},
	{"65 inch tv", 55.0},
	{`65" tv`, 55.0},
	{"75 inch tv", 70.0},
	{`75" tv`, 70.0},
	{"85 inch tv", 90.0},
	{`85" tv`, 90.0},

	// Food
	{"chocolate box", 2.0},
	{"chocolates", 2.0},
	{"cookies", 1.5},
	{"gift basket", 8.0},

	// Clothing
	{"shoes", 3.0},
	{"pair of shoes", 3.0},
	{"boots", 4.0},
	{"jacket", 3.0},
	{"coat", 5.0},
	{"dress", 1.5},
	{"suit", 4.0},

	// Books
	{"book", 1.5},
	{"textbook", 3.0},
	{"hardcover book", 2.0},
	{"paperback", 1.0},
	{"box of books", 30.0},

	// Sporting goods
	{"golf clubs", 30.0},
	{"golf bag", 35.0},
	{"bicycle", 30.0},
	{"skateboard", 8.0},
	{"snowboard", 15.0},
	{"skis", 20.0},

	// Musical instruments
	{"guitar", 10.0},
	{"acoustic guitar", 10.0},
	{"electric guitar", 12.0},
	{"keyboard", 25.0},
	{"violin", 5.0},

	// Small furniture
	{"small table", 25.0},
	{"chair", 20.0},
	{"lamp", 8.0},
	{"mirror", 15.0},
	{"picture frame", 3.0},

	// Kitchen
	{"blender", 8.0},
	{"coffee maker", 10.0},
	{"instant pot", 15.0},
	{"air fryer", 12.0},
	{"microwave", 30.0},
	{"toaster", 5.0},
}
