// Package interledger 实现 Interledger 协议栈的端到端部分
//
// 包含 ILPv4 报文编解码、条件/履约值承诺机制，以及在 ILP 报文之上
// 多路复用资金与数据的 STREAM 传输协议。
//
// 架构层次：
//   - API Layer: Node（本层，用户直接交互）
//   - Core Layer: connection（连接与流状态机）、connmgr（服务端连接表）、
//     streampacket（STREAM 帧编解码）、streamcrypto（密钥派生与加解密）、
//     packet（ILPv4 报文编解码）、condition（条件承诺）、ildcp（账户配置）
//
// 使用示例（拨号方）：
//
//	node, err := interledger.New(
//	    interledger.WithLink(link),
//	    interledger.WithSourceAccount("g.example.sender"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	conn, err := node.Dial(ctx, destination, sharedSecret)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	stream, err := conn.OpenStream()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	delivered, err := stream.SendMoney(ctx, 1000)
//
// 使用示例（接收方）：
//
//	node, err := interledger.New(
//	    interledger.WithLink(link),
//	    interledger.WithServerSeed(seed),
//	    interledger.WithSourceAccount("g.example.receiver"),
//	)
//	listener, err := node.Listen()
//	destination, secret, err := listener.GenerateCredentials()
//	// 把 (destination, secret) 经带外渠道交给发送方
//	conn, err := listener.Accept(ctx)
package interledger
